// Package licensecore is the embeddable license validation and device-trust
// core.
//
// A Client wraps the full validation pipeline: device fingerprinting, online
// validation against the remote license authority, offline continuation
// through a signed local cache, and periodic heartbeat revalidation.
//
//	cfg := licensecore.DefaultConfig()
//	cfg.Authority.Endpoint = "https://authority.example.com/validate"
//
//	client, err := licensecore.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Validate(ctx, licenseKey, licensecore.Options{})
//
// The server-side pieces, the administrative grace period manager and the
// anti-piracy risk engine, are exposed through NewGraceManager and
// NewRiskEngine over a shared license store.
package licensecore
