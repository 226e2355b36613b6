package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

func testEngine(t *testing.T, defs ...Definition) *Engine {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	return NewEngine(reg, 5*time.Second, logx.Nop())
}

func textStep(name, out string) Step {
	return Step{Name: name, Run: func(ctx context.Context, sc *StepContext) (string, error) {
		return out, nil
	}}
}

func TestRunThreadsPriorOutputs(t *testing.T) {
	t.Parallel()
	var sawTranscript string
	def := Definition{
		Type: store.SessionMorningBriefing,
		Steps: []Step{
			textStep("one", "alpha"),
			textStep("two", "beta"),
			{Name: "final", Run: func(ctx context.Context, sc *StepContext) (string, error) {
				sawTranscript = sc.Transcript()
				return "TITLE: done\nBODY: " + strings.Repeat("x", 100), nil
			}},
		},
	}
	e := testEngine(t, def)
	res, err := e.Run(context.Background(), &StepContext{
		UserID:      "u1",
		SessionType: store.SessionMorningBriefing,
		History:     &History{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Nothing {
		t.Fatal("unexpected empty result")
	}
	if res.Title != "done" {
		t.Errorf("title = %q", res.Title)
	}
	if !strings.Contains(sawTranscript, "alpha") || !strings.Contains(sawTranscript, "beta") {
		t.Errorf("final step did not see earlier outputs: %q", sawTranscript)
	}
	if len(res.Steps) != 3 {
		t.Errorf("recorded %d steps, want 3", len(res.Steps))
	}
}

func TestRunSentinelEndsEarly(t *testing.T) {
	t.Parallel()
	ran := false
	def := Definition{
		Type: store.SessionMiddayCuriosity,
		Steps: []Step{
			textStep("first", "nothing_to_report"),
			{Name: "never", Run: func(ctx context.Context, sc *StepContext) (string, error) {
				ran = true
				return "x", nil
			}},
		},
	}
	e := testEngine(t, def)
	res, err := e.Run(context.Background(), &StepContext{
		SessionType: store.SessionMiddayCuriosity, History: &History{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Nothing {
		t.Fatal("want Nothing=true")
	}
	if ran {
		t.Error("step after sentinel still ran")
	}
}

func TestRunEmptyStepFails(t *testing.T) {
	t.Parallel()
	def := Definition{
		Type:  store.SessionNightDream,
		Steps: []Step{textStep("blank", "   ")},
	}
	e := testEngine(t, def)
	_, err := e.Run(context.Background(), &StepContext{
		SessionType: store.SessionNightDream, History: &History{},
	})
	if !errors.Is(err, ErrEmptyStep) {
		t.Fatalf("err = %v, want ErrEmptyStep", err)
	}
}

func TestRunStepErrorAborts(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	def := Definition{
		Type: store.SessionWeeklyDigest,
		Steps: []Step{
			textStep("ok", "fine"),
			{Name: "bad", Run: func(ctx context.Context, sc *StepContext) (string, error) {
				return "", boom
			}},
		},
	}
	e := testEngine(t, def)
	_, err := e.Run(context.Background(), &StepContext{
		SessionType: store.SessionWeeklyDigest, History: &History{},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestRunShortBodyIsNothing(t *testing.T) {
	t.Parallel()
	def := Definition{
		Type:       store.SessionSelfReview,
		MinBodyLen: 100,
		Steps:      []Step{textStep("only", "TITLE: t\nBODY: too short")},
	}
	e := testEngine(t, def)
	res, err := e.Run(context.Background(), &StepContext{
		SessionType: store.SessionSelfReview, History: &History{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Nothing {
		t.Error("short body should be the empty outcome, not a failure")
	}
}

func TestRunUnknownSession(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	_, err := e.Run(context.Background(), &StepContext{
		SessionType: store.SessionType("no-such"), History: &History{},
	})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestSeenTopicDefaultsToAllow(t *testing.T) {
	t.Parallel()
	var h *History
	if h.SeenTopic("anything") {
		t.Error("nil history must allow")
	}
	h = &History{}
	if h.SeenTopic("quantum radar") {
		t.Error("empty history must allow")
	}
	if h.SeenTopic("abc") {
		t.Error("too-short topic must allow")
	}
	h = &History{Titles: []string{"The rise of quantum radar systems"}}
	if !h.SeenTopic("Quantum Radar") {
		t.Error("substring collision should be detected")
	}
	if h.SeenTopic("medieval beekeeping") {
		t.Error("unrelated topic should pass")
	}
}

func TestRegisterSessionsCoversAllTypes(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := RegisterSessions(reg, Deps{Gen: genFunc(func(ctx context.Context, system, user string) (string, error) {
		return "TITLE: t\nBODY: " + strings.Repeat("x", 200), nil
	})}); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.Types()); got != 11 {
		t.Errorf("registered %d session types, want 11", got)
	}
}

type genFunc func(ctx context.Context, system, user string) (string, error)

func (f genFunc) GenerateText(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}
