// Package grace manages administrative grace periods: vendor-granted
// extensions of a license past its expiry date, distinct from the offline
// grace window the validation client maintains over its cached validation.
//
// A grace period extends the license's effective expiry by a whole number of
// days from the original expiry. At most one active period exists per license
// at a time. Cancelling a period restores the original expiry exactly, and
// the sweep marks lapsed periods expired together with their licenses.
package grace
