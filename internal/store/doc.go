// Package store defines interfaces for data persistence operations.
//
// The interfaces split persistence along the lines the dispatch engine needs:
// task rows and their conditional transitions, session counters, atomic
// submission, the negative-result cache, and the owner balance and price
// collaborators. Every mutation that guards an invariant is expressed as a
// single conditional write that reports whether it won.
package store
