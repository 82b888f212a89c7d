// Package store provides the durable key-value persistence capability used by
// the license core for offline continuation: the last successful validation
// and the cached device fingerprint.
//
// The Store interface is injected explicitly into every consumer; nothing in
// the core assumes process-global storage. Three implementations are
// provided:
//
//   - FileStore: JSON files with HMAC tamper signatures and optional
//     AES-256-GCM encryption at rest
//   - SQLiteStore: a single-table SQLite database (cgo-free driver)
//   - MemStore: in-memory, for tests and storage-disabled hosts
//
// All consumers degrade gracefully when storage is unavailable; validation
// then proceeds in online-only mode.
package store
