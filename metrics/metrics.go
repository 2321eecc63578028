// Package metrics instruments the hidden-service engine with OpenTelemetry
// counters and histograms. When no MeterProvider has been configured
// (otel's default noop), every recording call is zero-cost, so the engine
// can call these unconditionally rather than guard each one behind a
// config flag.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("hsoverlay.engine")

	introPointsEstablished metric.Int64Counter
	dhtLookups             metric.Int64Counter
	dhtAnnounces           metric.Int64Counter
	dhtLookupDurMs         metric.Float64Histogram
	e2eCircuitsCreated     metric.Int64Counter
	linkRejections         metric.Int64Counter
	dhtBlacklistHits       metric.Int64Counter
	requestCacheExpiries   metric.Int64Counter
)

func init() {
	var err error

	introPointsEstablished, err = meter.Int64Counter("hsoverlay.intro_points.established",
		metric.WithDescription("Introduction points successfully established"),
		metric.WithUnit("{points}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	dhtLookups, err = meter.Int64Counter("hsoverlay.dht.lookups",
		metric.WithDescription("DHT lookups issued for a service's introduction points"),
		metric.WithUnit("{lookups}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	dhtAnnounces, err = meter.Int64Counter("hsoverlay.dht.announces",
		metric.WithDescription("DHT announces issued for a registered service"),
		metric.WithUnit("{announces}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	dhtLookupDurMs, err = meter.Float64Histogram("hsoverlay.dht.lookup.duration_ms",
		metric.WithDescription("Time spent waiting on a DHT lookup"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	e2eCircuitsCreated, err = meter.Int64Counter("hsoverlay.e2e.circuits_created",
		metric.WithDescription("End-to-end rendezvous circuits successfully linked"),
		metric.WithUnit("{circuits}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	linkRejections, err = meter.Int64Counter("hsoverlay.e2e.link_rejections",
		metric.WithDescription("link-e2e messages rejected (bad cookie or already-serving exit socket)"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	dhtBlacklistHits, err = meter.Int64Counter("hsoverlay.dht.blacklist_hits",
		metric.WithDescription("DHT peers skipped because they are still within the blacklist window"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	requestCacheExpiries, err = meter.Int64Counter("hsoverlay.reqcache.expiries",
		metric.WithDescription("Pending request-cache entries that expired unanswered"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// IntroPointEstablished records a successful establish-intro/intro-established round trip.
func IntroPointEstablished(ctx context.Context) {
	introPointsEstablished.Add(ctx, 1)
}

// DHTLookupStarted returns a func to call once the lookup completes, recording its duration.
func DHTLookupStarted(ctx context.Context) func() {
	dhtLookups.Add(ctx, 1)
	start := time.Now()
	return func() {
		dhtLookupDurMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

// DHTAnnounced records a DHT announce for a registered service.
func DHTAnnounced(ctx context.Context) {
	dhtAnnounces.Add(ctx, 1)
}

// E2ECircuitCreated records the rendezvous point splicing two circuits in on_link_e2e.
func E2ECircuitCreated(ctx context.Context) {
	e2eCircuitsCreated.Add(ctx, 1)
}

// LinkRejected records on_link_e2e rejecting a message (spec.md §9's
// "treat as a protocol bug" redesign).
func LinkRejected(ctx context.Context) {
	linkRejections.Add(ctx, 1)
}

// DHTBlacklistHit records a candidate peer skipped due to the 60s blacklist window.
func DHTBlacklistHit(ctx context.Context) {
	dhtBlacklistHits.Add(ctx, 1)
}

// RequestCacheExpired records a request-cache entry evicted unanswered.
func RequestCacheExpired(ctx context.Context) {
	requestCacheExpiries.Add(ctx, 1)
}
