package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for threadline telemetry.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrMachine     = attribute.Key("fsm.machine")
	AttrFromState   = attribute.Key("fsm.from")
	AttrToState     = attribute.Key("fsm.to")
	AttrEvent       = attribute.Key("fsm.event")
	AttrMessageType = attribute.Key("message.type")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrErrorType   = attribute.Key("error.type")
	AttrBoard       = attribute.Key("board")
)

// Machine names.
const (
	MachineConnection = "connection"
	MachinePost       = "post"
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultExpired  = "expired"
	ResultTimeout  = "timeout"
)

// TransitionAttributes labels a state machine transition.
func TransitionAttributes(env, machine, from, to, event string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(env),
		AttrMachine.String(machine),
		AttrFromState.String(from),
		AttrToState.String(to),
		AttrEvent.String(event),
	}
}

// OperationAttributes labels a network operation outcome.
func OperationAttributes(env, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(env),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
