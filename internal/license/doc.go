// Package license implements the validation client at the center of the
// device-trust core.
//
// A validation cycle first asks the remote authority for an authoritative
// answer. On success the license snapshot is replicated locally and, when the
// answer was valid, persisted as a cached validation with a fixed grace
// window. When the authority is unreachable the client falls back to that
// cached validation: within the grace window it keeps operating with status
// grace_period, after it the pair degrades to offline and invalid. An
// authoritative rejection is final: returned verbatim, never retried, never
// cached.
//
// Concurrent validations for one license key are coalesced onto a single
// in-flight cycle. The heartbeat revalidates periodically on a cancellable
// task; stopping it discards any result still in flight.
package license
