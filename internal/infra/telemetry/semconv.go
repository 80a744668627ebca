// Package telemetry provides OpenTelemetry metrics for optexec.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by optexec instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStrategy labels execution metrics with the strategy variant.
	AttrStrategy = attribute.Key("strategy")
	// AttrMode distinguishes live from paper executions.
	AttrMode = attribute.Key("mode")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrJobKind labels scheduler fires.
	AttrJobKind = attribute.Key("job.kind")
	// AttrOutcome carries the stop-loss state reached by a leg.
	AttrOutcome = attribute.Key("stoploss.outcome")
	// AttrPoolName labels database pool gauges.
	AttrPoolName = attribute.Key("db.pool")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ResultOf maps a boolean outcome to a result label.
func ResultOf(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// ExecutionAttributes returns attributes for execution counters.
func ExecutionAttributes(environment, strategy, mode string, ok bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrMode.String(mode),
		AttrResult.String(ResultOf(ok)),
	}
}

// JobAttributes returns attributes for scheduler fire counters.
func JobAttributes(environment, kind string, ok bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrJobKind.String(kind),
		AttrResult.String(ResultOf(ok)),
	}
}
