package pipeline

import (
	"context"
	"strings"
	"time"

	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

// History is a read-only snapshot of what a user has recently been served,
// loaded once per run and handed to every step through StepContext.
type History struct {
	Titles  []string
	Queries []string
}

// Digest renders the history for prompt injection. Empty history produces a
// short stand-in rather than an empty string so prompts stay well-formed.
func (h *History) Digest() string {
	if h == nil || (len(h.Titles) == 0 && len(h.Queries) == 0) {
		return "(no recent topics)"
	}
	var b strings.Builder
	if len(h.Titles) > 0 {
		b.WriteString("Recently covered:\n")
		for _, t := range h.Titles {
			b.WriteString("- ")
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	if len(h.Queries) > 0 {
		b.WriteString("Recently researched:\n")
		for _, q := range h.Queries {
			b.WriteString("- ")
			b.WriteString(q)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// SeenTopic reports whether a candidate topic collides with recent history.
// The check is a loose substring match in both directions; when history is
// sparse or the match is uncertain the answer is false, so novelty filtering
// can only suppress, never block, a session.
func (h *History) SeenTopic(topic string) bool {
	if h == nil {
		return false
	}
	t := normTopic(topic)
	if len(t) < 4 {
		return false
	}
	for _, prev := range h.Titles {
		p := normTopic(prev)
		if len(p) < 4 {
			continue
		}
		if strings.Contains(p, t) || strings.Contains(t, p) {
			return true
		}
	}
	for _, prev := range h.Queries {
		p := normTopic(prev)
		if len(p) < 4 {
			continue
		}
		if strings.Contains(p, t) || strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func normTopic(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Memory loads per-user history from the store and records new research
// queries as pipelines issue them. All failures degrade to empty history:
// a broken memory must never stop a session from running.
type Memory struct {
	st     *store.Store
	log    logx.Logger
	window time.Duration
	limit  int
}

func NewMemory(st *store.Store, window time.Duration, log logx.Logger) *Memory {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{st: st, log: log, window: window, limit: 30}
}

// Load builds the history snapshot for a user.
func (m *Memory) Load(ctx context.Context, userID string, now time.Time) *History {
	h := &History{}
	since := now.Add(-m.window)

	outs, err := m.st.RecentOutputs(ctx, userID, since, m.limit)
	if err != nil {
		m.log.Warn("history load: outputs", logx.Err(err), logx.String("user", userID))
	}
	for _, o := range outs {
		if o.Title != "" {
			h.Titles = append(h.Titles, o.Title)
		}
	}

	qs, err := m.st.RecentQueries(ctx, userID, since, m.limit)
	if err != nil {
		m.log.Warn("history load: queries", logx.Err(err), logx.String("user", userID))
	}
	for _, q := range qs {
		h.Queries = append(h.Queries, q.Query)
	}
	return h
}

// LogQuery records a research query for future novelty checks. Errors are
// logged and dropped.
func (m *Memory) LogQuery(ctx context.Context, userID string, sessionType store.SessionType, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	if err := m.st.AppendQuery(ctx, store.QueryLog{UserID: userID, SessionType: sessionType, Query: query}); err != nil {
		m.log.Warn("query log", logx.Err(err), logx.String("user", userID))
	}
}
