// Package memory implements every store interface in process memory.
//
// The implementation evaluates the same predicates as the Postgres stores,
// one conditional write at a time under a single mutex, so protocol tests
// exercise the real race semantics. Hooks let tests inject concurrent writes
// between the candidate read and the conditional claim, and one-shot
// failures for any operation.
package memory
