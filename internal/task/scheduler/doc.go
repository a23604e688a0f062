// Package scheduler is the temporal execution engine shared by collectors,
// hubs and the mail logging transport.
//
// A single dispatch loop owns a min-heap of pending entries keyed by fire
// time (Unix milliseconds). Due entries are launched as independent units
// under a runtime supervisor, so a slow or failing job never delays the loop
// or other jobs. Cancellation is lazy: a cancelled handle is discarded the
// next time one of its entries is popped.
//
// Concurrency is intentionally unbounded: every fired job gets its own
// goroutine. Collectors rely on fire-and-forget semantics and a pool ceiling
// would shift their timing.
//
// Re-arm policies:
//   - one-shot (OnceAfter, OnceWhen, OnceAtNextBoundary)
//   - fixed interval with drift correction (RepeatEvery)
//   - clock-aligned with optional offset (RepeatAtBoundary, RepeatAtBoundaryWithOffset)
//   - cron expression (RepeatCron)
package scheduler
