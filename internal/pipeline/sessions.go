package pipeline

import (
	"context"
	"fmt"
	"strings"

	"reverie/internal/genai"
	"reverie/internal/research"
	"reverie/internal/store"
)

const outputFormat = `Respond with exactly two fields:
TITLE: <one short line>
BODY: <the full text>
If there is genuinely nothing worth saying, respond with exactly NOTHING_TO_REPORT.`

// Deps are the external capabilities session pipelines draw on.
type Deps struct {
	Gen    genai.Generator
	Search research.Searcher
	Market research.MarketData
	Memory *Memory

	// Symbols is the watchlist for investment research.
	Symbols []string
}

// RegisterSessions installs the definition for every session type.
func RegisterSessions(reg *Registry, d Deps) error {
	defs := []Definition{
		morningBriefing(d),
		middayCuriosity(d),
		afternoonSynthesis(d),
		eveningConsolidation(d),
		nightDream(d),
		weeklyDigest(d),
		selfReview(d),
		investmentResearch(d),
		abilitySpending(d),
		healthCheck(store.SessionHealthCheckMorning, "morning", d),
		healthCheck(store.SessionHealthCheckEvening, "evening", d),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func genStep(g genai.Generator, name, system string, user func(sc *StepContext) string) Step {
	return Step{Name: name, Run: func(ctx context.Context, sc *StepContext) (string, error) {
		return g.GenerateText(ctx, system, user(sc))
	}}
}

func morningBriefing(d Deps) Definition {
	return Definition{
		Type:     store.SessionMorningBriefing,
		Category: "briefing",
		Notify:   true,
		Priority: 2,
		Steps: []Step{
			genStep(d.Gen, "plan",
				"You are preparing a private morning note for one person. Be specific and brief.",
				func(sc *StepContext) string {
					return fmt.Sprintf(
						"It is %s. Draft 3-5 themes worth raising this morning. Avoid anything already covered.\n\n%s",
						sc.DateKey, sc.History.Digest())
				}),
			genStep(d.Gen, "compose",
				"You write warm, concise morning briefings. "+outputFormat,
				func(sc *StepContext) string {
					return "Turn the strongest of these themes into a short morning briefing:\n\n" + sc.Transcript()
				}),
		},
	}
}

func middayCuriosity(d Deps) Definition {
	return Definition{
		Type:       store.SessionMiddayCuriosity,
		Category:   "curiosity",
		Notify:     true,
		Priority:   1,
		MinBodyLen: 120,
		Steps: []Step{
			genStep(d.Gen, "pick-topic",
				"You pick one genuinely interesting topic to explore. Answer with the topic on a single line, nothing else. If every candidate is stale, answer NOTHING_TO_REPORT.",
				func(sc *StepContext) string {
					return "Pick one topic not in this list:\n\n" + sc.History.Digest()
				}),
			researchStep(d, "research"),
			genStep(d.Gen, "write-up",
				"You write short, lively explainers. "+outputFormat,
				func(sc *StepContext) string {
					return "Write up the topic using the research notes:\n\n" + sc.Transcript()
				}),
		},
	}
}

// researchStep searches the web for the topic chosen by the previous step and
// records the query for anti-repetition. A missing or failing search provider
// degrades to "no findings" so the pipeline can still reason from the model's
// own knowledge.
func researchStep(d Deps, name string) Step {
	return Step{Name: name, Run: func(ctx context.Context, sc *StepContext) (string, error) {
		if len(sc.Prior) == 0 {
			return "", fmt.Errorf("research step needs a topic from an earlier step")
		}
		topic := strings.TrimSpace(sc.Prior[len(sc.Prior)-1].Text)
		if sc.History.SeenTopic(topic) {
			return Sentinel, nil
		}
		if d.Memory != nil {
			d.Memory.LogQuery(ctx, sc.UserID, sc.SessionType, topic)
		}
		if d.Search == nil {
			return "No search provider configured; proceed from general knowledge about: " + topic, nil
		}
		results, err := d.Search.Search(ctx, topic, 5)
		if err != nil || len(results) == 0 {
			return "Search returned nothing useful; proceed from general knowledge about: " + topic, nil
		}
		var b strings.Builder
		b.WriteString("Findings for ")
		b.WriteString(topic)
		b.WriteString(":\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
		}
		return b.String(), nil
	}}
}

func afternoonSynthesis(d Deps) Definition {
	return Definition{
		Type:     store.SessionAfternoonSynthesis,
		Category: "synthesis",
		Notify:   true,
		Priority: 1,
		Steps: []Step{
			genStep(d.Gen, "connect",
				"You find non-obvious connections between recent threads. If the threads are too sparse to connect, answer NOTHING_TO_REPORT.",
				func(sc *StepContext) string {
					return "Recent threads:\n\n" + sc.History.Digest() + "\n\nName the strongest connection and why it matters."
				}),
			genStep(d.Gen, "compose",
				"You write a short synthesis note. "+outputFormat,
				func(sc *StepContext) string {
					return "Write the synthesis:\n\n" + sc.Transcript()
				}),
		},
	}
}

func eveningConsolidation(d Deps) Definition {
	return Definition{
		Type:     store.SessionEveningConsolidation,
		Category: "reflection",
		Notify:   true,
		Priority: 1,
		Steps: []Step{
			genStep(d.Gen, "review",
				"You review the day's threads and pull out what is worth keeping.",
				func(sc *StepContext) string {
					return fmt.Sprintf("Today is %s. Threads:\n\n%s\n\nList what deserves to carry forward.",
						sc.DateKey, sc.History.Digest())
				}),
			genStep(d.Gen, "compose",
				"You write calm end-of-day notes. "+outputFormat,
				func(sc *StepContext) string {
					return "Write the evening note:\n\n" + sc.Transcript()
				}),
		},
	}
}

func nightDream(d Deps) Definition {
	return Definition{
		Type:     store.SessionNightDream,
		Category: "creative",
		Notify:   false,
		Priority: 0,
		Steps: []Step{
			genStep(d.Gen, "dream",
				"You free-associate over recent material, producing something unexpected. "+outputFormat,
				func(sc *StepContext) string {
					return "Material:\n\n" + sc.History.Digest()
				}),
		},
	}
}

func weeklyDigest(d Deps) Definition {
	return Definition{
		Type:     store.SessionWeeklyDigest,
		Category: "digest",
		Notify:   true,
		Priority: 2,
		Steps: []Step{
			genStep(d.Gen, "collect",
				"You group a week of threads into themes.",
				func(sc *StepContext) string {
					return "This week's threads:\n\n" + sc.History.Digest() + "\n\nGroup them and rank the themes."
				}),
			genStep(d.Gen, "compose",
				"You write weekly digests: what happened, what emerged, what is next. "+outputFormat,
				func(sc *StepContext) string {
					return "Write the digest:\n\n" + sc.Transcript()
				}),
		},
	}
}

func selfReview(d Deps) Definition {
	return Definition{
		Type:     store.SessionSelfReview,
		Category: "meta",
		Notify:   false,
		Priority: 0,
		Steps: []Step{
			genStep(d.Gen, "assess",
				"You candidly assess the quality and variety of recent output.",
				func(sc *StepContext) string {
					depth := "Do a quick pass."
					if sc.Variant == "deep" {
						depth = "Do a thorough pass: recurring blind spots, tone drift, topics over-served."
					}
					return depth + "\n\nRecent output:\n\n" + sc.History.Digest()
				}),
			genStep(d.Gen, "resolve",
				"You turn an assessment into at most three concrete adjustments. "+outputFormat,
				func(sc *StepContext) string {
					return "Assessment:\n\n" + sc.Transcript()
				}),
		},
	}
}

func investmentResearch(d Deps) Definition {
	return Definition{
		Type:       store.SessionInvestmentResearch,
		Category:   "research",
		Notify:     true,
		Priority:   1,
		MinBodyLen: 120,
		Steps: []Step{
			{Name: "quotes", Run: func(ctx context.Context, sc *StepContext) (string, error) {
				if d.Market == nil || len(d.Symbols) == 0 {
					return Sentinel, nil
				}
				quotes, err := d.Market.Quotes(ctx, d.Symbols)
				if err != nil {
					return "", fmt.Errorf("market data: %w", err)
				}
				if len(quotes) == 0 {
					return Sentinel, nil
				}
				var b strings.Builder
				b.WriteString("Watchlist:\n")
				for _, q := range quotes {
					fmt.Fprintf(&b, "- %s %.2f (%+.2f%%) as of %s\n",
						q.Symbol, q.Price, q.ChangePct, q.AsOf.Format("2006-01-02 15:04"))
				}
				return b.String(), nil
			}},
			genStep(d.Gen, "analyze",
				"You are a cautious markets analyst. Note only movements that actually warrant attention; if nothing does, answer NOTHING_TO_REPORT. "+outputFormat,
				func(sc *StepContext) string {
					return "Today's data:\n\n" + sc.Transcript()
				}),
		},
	}
}

func abilitySpending(d Deps) Definition {
	return Definition{
		Type:     store.SessionAbilitySpending,
		Category: "meta",
		Notify:   true,
		Priority: 1,
		Steps: []Step{
			genStep(d.Gen, "propose",
				"You propose one new capability or habit worth investing effort in this week. If the recent record suggests none is needed, answer NOTHING_TO_REPORT.",
				func(sc *StepContext) string {
					return "Recent record:\n\n" + sc.History.Digest()
				}),
			genStep(d.Gen, "plan",
				"You turn a proposal into a small, concrete plan. "+outputFormat,
				func(sc *StepContext) string {
					return "Proposal:\n\n" + sc.Transcript()
				}),
		},
	}
}

func healthCheck(t store.SessionType, when string, d Deps) Definition {
	return Definition{
		Type:     t,
		Category: "health",
		Notify:   true,
		Priority: 1,
		Steps: []Step{
			genStep(d.Gen, "check",
				"You decide whether a gentle "+when+" wellbeing check-in is warranted. Most days it is not: answer NOTHING_TO_REPORT unless something in the record suggests reaching out. "+outputFormat,
				func(sc *StepContext) string {
					return fmt.Sprintf("Date %s, %s check-in. Recent record:\n\n%s",
						sc.DateKey, when, sc.History.Digest())
				}),
		},
	}
}
