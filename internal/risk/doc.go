// Package risk scores license usage for signs of key sharing and abuse.
//
// Every validation attempt is recorded as an event in a per-license sliding
// window. The engine weighs four factors over that window: distinct device
// fingerprints beyond the plan's device limit, validation velocity, low
// fingerprint confidence, and the failure rate. Scores at or above the flag
// threshold record suspicious activity; scores at or above the suspend
// threshold additionally suspend the license. Suspensions are applied by a
// single background applier writing through the license store, so the engine
// never races other writers and never calls back into the validation path.
package risk
