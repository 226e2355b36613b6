// Package pipeline implements the multi-step reasoning runner shared by every
// session type, plus the anti-repetition memory that steers it away from
// topics it covered recently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

var (
	// ErrUnknownSession means no pipeline is registered for a session type.
	// This is a deployment defect, not a runtime condition to mask.
	ErrUnknownSession = errors.New("pipeline: unknown session type")

	// ErrEmptyStep means a step produced no usable output. It aborts the run
	// as a failure, never as a skip.
	ErrEmptyStep = errors.New("pipeline: step produced empty output")
)

// Sentinel is the reserved phrase a step emits to end the run with "nothing
// to report". Matching is case-insensitive on the whole (trimmed) output.
const Sentinel = "NOTHING_TO_REPORT"

// StepContext is the state threaded through one run. Later steps see every
// earlier step's output via Prior, not just the immediately preceding one.
type StepContext struct {
	UserID      string
	SessionType store.SessionType
	DateKey     string

	// Variant carries per-job hints from scheduling metadata ("deep", ...).
	Variant string

	// History is the anti-repetition view for this user, loaded before the
	// run starts so every step can steer its prompt with History.Digest().
	History *History

	Prior []StepOutput
}

// Transcript renders all prior step outputs for inclusion in a prompt.
func (sc *StepContext) Transcript() string {
	if len(sc.Prior) == 0 {
		return "(no earlier steps)"
	}
	var b strings.Builder
	for _, p := range sc.Prior {
		b.WriteString("## ")
		b.WriteString(p.Name)
		b.WriteString("\n")
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

type StepOutput struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Step is one named stage of a pipeline. Run returns the step's text output;
// an error or empty output fails the whole run.
type Step struct {
	Name string
	Run  func(ctx context.Context, sc *StepContext) (string, error)
}

// Definition is the fixed, hand-written recipe for one session type.
type Definition struct {
	Type     store.SessionType
	Category string

	// Notify marks session types whose outputs should interrupt the user.
	Notify   bool
	Priority int

	// MinBodyLen guards against token-starved output being accepted as a
	// real artifact; shorter bodies become "nothing to report".
	MinBodyLen int

	Steps []Step
}

// Result is the outcome of a successful run. Nothing=true is the valid
// empty outcome; Title/Body are only set when Nothing is false.
type Result struct {
	Nothing bool
	Title   string
	Body    string
	Steps   []StepOutput
}

// Engine executes definitions. It owns no goroutines; the caller (executor or
// manual trigger) provides the context and its deadline.
type Engine struct {
	reg *Registry
	log logx.Logger

	stepTimeout time.Duration
}

func NewEngine(reg *Registry, stepTimeout time.Duration, log logx.Logger) *Engine {
	if stepTimeout <= 0 {
		stepTimeout = 90 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{reg: reg, log: log, stepTimeout: stepTimeout}
}

// Run executes the pipeline registered for sc.SessionType.
//
// Any step may return the terminal sentinel to end the run early as a
// successful empty result. The final step's output is parsed into title+body;
// unparseable non-sentinel output is a failure.
func (e *Engine) Run(ctx context.Context, sc *StepContext) (Result, error) {
	def, ok := e.reg.Lookup(sc.SessionType)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSession, sc.SessionType)
	}
	if len(def.Steps) == 0 {
		return Result{}, fmt.Errorf("pipeline: %s has no steps", sc.SessionType)
	}

	log := e.log.With(
		logx.String("user", sc.UserID),
		logx.String("session", string(sc.SessionType)),
	)

	var last string
	for i, st := range def.Steps {
		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		out, err := st.Run(stepCtx, sc)
		cancel()
		if err != nil {
			return Result{}, fmt.Errorf("pipeline: step %q: %w", st.Name, err)
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return Result{}, fmt.Errorf("%w: step %q", ErrEmptyStep, st.Name)
		}

		if IsSentinel(out) {
			log.Debug("pipeline ended early: nothing to report",
				logx.String("step", st.Name), logx.Int("index", i))
			return Result{Nothing: true, Steps: sc.Prior}, nil
		}

		sc.Prior = append(sc.Prior, StepOutput{Name: st.Name, Text: out})
		last = out
		log.Debug("pipeline step done", logx.String("step", st.Name), logx.Int("chars", len(out)))
	}

	title, body, err := ParseTitleBody(last)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: final step unparseable: %w", err)
	}
	minLen := def.MinBodyLen
	if minLen <= 0 {
		minLen = 80
	}
	if len(body) < minLen {
		// Genuine-but-thin output is the empty outcome, not a failure.
		log.Debug("pipeline body below threshold", logx.Int("len", len(body)), logx.Int("min", minLen))
		return Result{Nothing: true, Steps: sc.Prior}, nil
	}

	return Result{Title: title, Body: body, Steps: sc.Prior}, nil
}

// Definition returns the registered definition for a session type.
func (e *Engine) Definition(t store.SessionType) (Definition, bool) { return e.reg.Lookup(t) }
