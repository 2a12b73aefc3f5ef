// Package notifier forwards urgent audit events to Telegram.
//
// It is a pure consumer of the event bus: the dispatcher and runner know
// nothing about it, and alerting faults never affect collection. Filtering
// is by event priority, repeats are suppressed within a dedup window, and
// outbound sends are rate-limited and retried.
package notifier
