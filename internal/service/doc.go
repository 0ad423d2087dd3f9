// Package service holds CheckService, the use-case layer behind the HTTP
// API. It turns owner submissions into sessions and tasks, answers
// negative-cache hits immediately, hands pending tasks to worker pools
// through the lease manager, and routes worker verdicts into billing and
// session progress.
//
// The subpackages own one concern each:
//
//   - auth: owner and pool token issuing and validation
//   - billing: price resolution and the idempotent ledger
//   - dispatch: leases, claim limits and pool pause signals
//   - negcache: the negative result cache
//   - session: per-session counters and snapshots
//
// CheckService depends only on the store interfaces, so the same wiring
// runs over Postgres in production and the in-memory store in tests.
package service
