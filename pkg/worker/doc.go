// Package worker runs the background side of approvalflow.
//
// The engine itself is synchronous: every operation finishes its state
// transition before returning. Two things happen outside that path and are
// handled here:
//
//   - Notifications. A QueueNotifier plugged into the engine parks every
//     notification in a task queue. Workers deliver them to a
//     NotificationSink and retry failed deliveries with backoff, so a slow
//     or broken mail server never blocks an approval.
//   - Expiry. Votes carry a deadline but nothing flips them on their own.
//     A Scheduler periodically finds active instances holding overdue
//     votes and schedules MarkExpired for them, which may resolve the step.
//
// Queues come from the internal taskqueue package (in-memory, SQLite,
// MongoDB and Redis backends); the approvalflow package exposes
// constructors for them. Multiple workers can safely share one queue.
package worker
