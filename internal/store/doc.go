package store

// Package store persists the scheduler's durable state in sqlite:
//   - Jobs (one row per user/session-type/local-day, with lifecycle status)
//   - Outputs (append-only artifacts of successful runs)
//   - Notifications (transient delivery intents)
//   - Profiles (eligibility + push address per user)
//   - Query log (anti-repetition input)
