// Package store persists the durable, non-secret records of the system in
// SQLite: resident rows, guardian metadata, the append-only ceremony audit
// log, the run log, inbox messages and public posts.
//
// Nothing in this package is encrypted and nothing here may ever contain key
// material or share contents; the encrypted resident payloads live in the
// vault package. The store's one cryptography-adjacent duty is transactional
// integrity: CompleteRunTxn applies a run's record updates, inbox delivery
// marking and run-log completion in a single transaction, so a half-applied
// run is never observable, and RotateCohort revokes the old guardian cohort
// and installs the new one atomically with the ceremony completion.
//
// Queries are built with squirrel and executed through database/sql over the
// mattn/go-sqlite3 driver. Open(":memory:") yields an isolated in-memory
// database for tests.
package store
