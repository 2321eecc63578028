package engine

import "errors"

// Error kinds from spec.md §7. Every handler recovers these locally via log
// + drop; none of them ever escape to the substrate.
var (
	ErrNoCircuitAvailable       = errors.New("engine: no circuit available")
	ErrUnknownIdentifier        = errors.New("engine: unknown or expired identifier")
	ErrNotServing               = errors.New("engine: not serving this info_hash")
	ErrNotAnIntroPoint          = errors.New("engine: not an introduction point for this info_hash")
	ErrNotARendezvousPoint      = errors.New("engine: cookie not recognized as a pending rendezvous")
	ErrExitSocketBusy           = errors.New("engine: exit socket already serving a data-plane circuit")
	ErrDHTUnavailable           = errors.New("engine: dht provider unavailable")
	ErrCryptoVerificationFailed = errors.New("engine: crypto verification failed")
)
