package supervisor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the supervisor package. When no
// MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("unl.supervisor")

	metricBootstrapCalls  metric.Int64Counter
	metricAdvertiseCalls  metric.Int64Counter
	metricFightAttempts   metric.Int64Counter
	metricFightSuccesses  metric.Int64Counter
	metricCandidatesSeen  metric.Int64Counter
	metricForwardOutcomes metric.Int64Counter
)

func init() {
	var err error

	metricBootstrapCalls, err = meter.Int64Counter("unl.supervisor.bootstrap.calls",
		metric.WithDescription("BOOTSTRAP requests issued to rendezvous servers"),
		metric.WithUnit("{calls}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricAdvertiseCalls, err = meter.Int64Counter("unl.supervisor.advertise.calls",
		metric.WithDescription("PASSIVE/SIMULTANEOUS READY advertisements sent"),
		metric.WithUnit("{calls}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricFightAttempts, err = meter.Int64Counter("unl.supervisor.fight.attempts",
		metric.WithDescription("Simultaneous-open fights attempted"),
		metric.WithUnit("{fights}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricFightSuccesses, err = meter.Int64Counter("unl.supervisor.fight.successes",
		metric.WithDescription("Simultaneous-open fights that produced a connection"),
		metric.WithUnit("{fights}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricCandidatesSeen, err = meter.Int64Counter("unl.supervisor.candidates",
		metric.WithDescription("CANDIDATE/CHALLENGE registrations observed"),
		metric.WithUnit("{candidates}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricForwardOutcomes, err = meter.Int64Counter("unl.supervisor.forwarding.outcomes",
		metric.WithDescription("UPnP/NAT-PMP port forwarding attempts, by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

func recordForwardOutcome(ctx context.Context, method string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	metricForwardOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}
