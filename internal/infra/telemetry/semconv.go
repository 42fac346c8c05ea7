// Package telemetry provides OpenTelemetry wiring and semantic conventions for yapper.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for yapper telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (development/staging/...) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic carries the full event topic. Only used where cardinality is bounded by the caller.
	AttrTopic = attribute.Key("event.topic")
	// AttrTopicRoot carries the first topic segment (e.g. campus, google).
	AttrTopicRoot = attribute.Key("event.topic_root")
	// AttrClientID identifies the registered client a handler belongs to.
	AttrClientID = attribute.Key("client.id")
	// AttrOutcome records the handler outcome (delivered, handler_error, timeout, ...).
	AttrOutcome = attribute.Key("dispatch.outcome")
	// AttrBackend names the storage backend (sqlite, postgres).
	AttrBackend = attribute.Key("store.backend")
	// AttrOperation differentiates store operations (append, get, query, purge).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReplay marks dispatches driven by startup replay rather than a live emit.
	AttrReplay = attribute.Key("dispatch.replay")
)

// Backend values
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// DispatchAttributes returns attributes for per-handler dispatch metrics.
func DispatchAttributes(environment, topicRoot, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopicRoot.String(topicRoot),
		AttrOutcome.String(outcome),
	}
}

// EmitAttributes returns attributes for broker emit metrics.
func EmitAttributes(environment, topicRoot, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopicRoot.String(topicRoot),
		AttrResult.String(result),
	}
}

// StoreAttributes returns attributes for store operation metrics.
func StoreAttributes(environment, backend, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
		AttrOperation.String(operation),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
	}
}
