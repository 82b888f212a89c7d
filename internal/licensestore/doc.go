// Package licensestore holds the shared license-record state written by the
// grace period manager and the anti-piracy risk engine.
//
// It is the explicit serialization point the redesign calls for: components
// that need to change a license go through this store instead of mutating
// shared structures, and the validation client only ever observes the result
// through the remote authority on its next online validation.
package licensestore
