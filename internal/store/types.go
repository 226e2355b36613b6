package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("store: not found")
)

// SessionType is the category of a scheduled thinking pass.
//
// The set is open: the scheduler and pipeline registry treat these as opaque
// strings, so adding a type means registering a pipeline and a catalog entry,
// not editing a switch.
type SessionType string

const (
	SessionMorningBriefing      SessionType = "morning-briefing"
	SessionMiddayCuriosity      SessionType = "midday-curiosity"
	SessionAfternoonSynthesis   SessionType = "afternoon-synthesis"
	SessionEveningConsolidation SessionType = "evening-consolidation"
	SessionNightDream           SessionType = "night-dream"
	SessionWeeklyDigest         SessionType = "weekly-digest"
	SessionSelfReview           SessionType = "self-review"
	SessionInvestmentResearch   SessionType = "investment-research"
	SessionAbilitySpending      SessionType = "ability-spending"
	SessionHealthCheckMorning   SessionType = "health-check-morning"
	SessionHealthCheckEvening   SessionType = "health-check-evening"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Job is one scheduled unit of work.
//
// Lifecycle: pending -> running -> exactly one of completed/failed/skipped.
// Terminal rows are never re-opened; a retry is a new Job on a later
// scheduling cycle. At most one Job exists per (user, session type, local
// day) — the unique index in migrations.sql is the authority.
type Job struct {
	ID          string
	UserID      string
	SessionType SessionType
	Status      JobStatus

	// LocalDay is the calendar-day key (clock.DateKeyLayout) in the reference
	// timezone. It exists purely to carry the dedup invariant.
	LocalDay string

	// ScheduledFor is the absolute instant the job becomes due.
	ScheduledFor time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorMessage string
	ResultCount  int
	OutputRef    string

	// MetaJSON carries small per-job hints (e.g. {"variant":"deep"}).
	MetaJSON string

	CreatedAt time.Time
}

// Output is the durable artifact of one successful pipeline run.
// Rows are append-only; they are never mutated after insert.
type Output struct {
	ID          string
	UserID      string
	Title       string
	Body        string
	Category    string
	SourceJobID string
	// MetaJSON holds intermediate step outputs and covered topics for audit.
	MetaJSON   string
	ProducedAt time.Time
}

type NotificationStatus string

const (
	NotifPending NotificationStatus = "pending"
	NotifSent    NotificationStatus = "sent"
	NotifExpired NotificationStatus = "expired"
)

// Notification is the transient delivery intent derived from an Output.
type Notification struct {
	ID       string
	UserID   string
	OutputID string
	Status   NotificationStatus
	Priority int

	CreatedAt time.Time
	ExpiresAt time.Time
	SentAt    *time.Time
}

// Profile is the slice of a user record the scheduler cares about.
type Profile struct {
	UserID        string
	DisplayName   string
	Active        bool
	AgentsEnabled bool
	// ChatID is the push-channel address (0 = no push channel configured).
	ChatID     int64
	LastSeenAt *time.Time
}

// QueryLog records a search/selection query issued by a pipeline, consumed by
// the anti-repetition heuristic.
type QueryLog struct {
	UserID      string
	SessionType SessionType
	Query       string
	At          time.Time
}
