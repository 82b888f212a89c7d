// Package authority is the client for the remote license authority's RPC
// contract. The authority owns issuance, activation and authoritative
// validation; this package only consumes its validate call.
//
// The client separates two failure classes the rest of the core depends on:
// transport failures (*TransportError) which permit an offline fallback, and
// authoritative rejections, which are final answers delivered with a nil
// error and never retried.
package authority
