// Package ledger implements the compliance audit ledger: an append-only,
// SHA-256 hash-chained log of privileged mutations.
//
// Every entry records the hash of the entry that was the chain tip when it
// was appended, so entries ordered by timestamp form a single linked chain.
// Any later edit to a hashed field, removal of an entry from the middle of
// the chain, or reordering of timestamps is detected by ValidateChain.
// Removing the most recent entries leaves a shorter chain that still
// validates; tail truncation is outside what the chain can prove.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for tests and single-process tooling.
//   - PostgresLedger: durable, for production use.
package ledger
