// Package fingerprint derives a stable, privacy-preserving device identifier
// from a set of independent sensor probes.
//
// Each probe's raw output is hashed into a fixed-width component hash; the
// component hashes are combined in a fixed order, together with raw device
// attributes, into a single master hash. The master hash is a pure function
// of the probe outputs: an identical environment always yields an identical
// hash.
//
// Probing never fails. A probe that errors or exceeds its timeout degrades to
// a sentinel value and lowers the confidence score; the score stays within
// [0, 100].
package fingerprint
