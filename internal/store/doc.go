package store

// Package store provides the persistence layer for the reminder engine.
//
// It currently holds:
//   - Acknowledgement records (one per calendar day)
//   - The cached backlog count per mailbox identity
//   - Rate-limit backoff marks per remote endpoint class
//   - The cached authenticated mailbox address
//   - Leftover keys from pre-record builds, pending migration
