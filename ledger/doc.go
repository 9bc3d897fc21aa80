// Package ledger implements an append-only, tamper-evident event ledger.
//
// Every appended payload is sealed into a Block that commits to the digest of
// its predecessor and to a proof-of-work counter. The proof of work is only a
// write throttle for a single local writer; there is no consensus protocol.
//
// A Ledger is opened over a Store (a JSON file, bbolt or LevelDB). Every
// successful Append rewrites the whole chain through the Store before the
// block becomes visible to readers, so a reader never observes a block that
// is not durable.
package ledger
