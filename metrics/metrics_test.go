package metrics

import (
	"context"
	"testing"
)

// These exercise the noop meter path (no MeterProvider configured) — the
// point is that none of these calls panic or block, matching the teacher's
// "zero-cost when unconfigured" contract.
func TestRecordersDoNotPanicWithNoopMeter(t *testing.T) {
	ctx := context.Background()

	IntroPointEstablished(ctx)
	DHTAnnounced(ctx)
	E2ECircuitCreated(ctx)
	LinkRejected(ctx)
	DHTBlacklistHit(ctx)
	RequestCacheExpired(ctx)

	done := DHTLookupStarted(ctx)
	done()
}
