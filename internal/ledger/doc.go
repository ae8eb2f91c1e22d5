// Package ledger implements the Ledger Store: the append-only, hash-chained
// audit log of consent lifecycle events plus the consent and receipt rows
// those events describe.
//
// The chain begins at hashchain.GenesisHash (64 hex zeros). Every event
// records the hash of its predecessor, and appends are serialised against the
// chain tip so two writers can never claim the same predecessor.
//
// Three implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: durable single-node deployments without a database server.
package ledger
