// Package engine drives resident runs. A run is the only window in which a
// resident's state exists in plaintext: decrypt, one completion turn, tool
// execution, token settlement, re-encrypt under a fresh DEK, and one
// transactional record update.
//
// Per-resident run locks are owned by the Engine instance, not by any global
// state; two engines over disjoint vaults never contend. A second run
// request for a resident whose run is in flight is skipped, never queued.
package engine
