// Package schedule provides keyed, cancellable deferred callbacks.
//
// Every timer the engine needs (delayed cache reveals, realtime debounce
// windows) goes through a Scheduler, so that cancellation is a single keyed
// call and tests can drive time deterministically with a Manual scheduler.
package schedule
