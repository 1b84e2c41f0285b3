// Package api exposes the thin administrative HTTP surface: seal state,
// ceremony initiation, share submission, guardian listing, and resident
// intake. Guardian authentication and share transport security are the
// deployment's concern; this surface validates share format and ceremony
// preconditions only.
//
// Issued shares appear exactly once, in the ceremony response that created
// them. They are never stored and never logged.
package api
