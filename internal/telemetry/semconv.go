// Package telemetry provides OpenTelemetry setup and semantic conventions for tickrelay.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every component's instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrAsset labels per-asset signals.
	AttrAsset = attribute.Key("asset")
	// AttrMessageType differentiates outbound or inbound message tags.
	AttrMessageType = attribute.Key("message.type")
	// AttrOperation names a coordinator, driver or health operation.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason carries the trigger or drop reason.
	AttrReason = attribute.Key("reason")
	// AttrCommandType names the control command processed.
	AttrCommandType = attribute.Key("command.type")
	// AttrStatus communicates success or failure of a control command.
	AttrStatus = attribute.Key("status")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultBusy    = "busy"
	ResultDropped = "dropped"
)

// AssetAttributes returns attributes for per-asset metrics.
func AssetAttributes(environment, asset string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAsset.String(asset),
	}
}

// MessageAttributes returns attributes for message-tagged metrics.
func MessageAttributes(environment, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMessageType.String(messageType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ReasonAttributes returns attributes for drop/miss/trigger counters.
func ReasonAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}

// CommandAttributes returns attributes for control command metrics.
func CommandAttributes(environment, commandType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCommandType.String(commandType),
		AttrStatus.String(status),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, peer, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(peer),
		AttrConnectionState.String(state),
	}
}
