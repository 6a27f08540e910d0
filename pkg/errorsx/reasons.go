package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Protocol errors are recovered locally (frame dropped, counted) and
	// escalate to a connection close only after repeated failures.
	ReasonProtocolViolation ReasonCode = "protocol_violation"

	ReasonTransportLost             ReasonCode = "transport_lost"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonEngineConnect ReasonCode = "engine_connect"
	ReasonEngineSend    ReasonCode = "engine_send"
	ReasonEngineStream  ReasonCode = "engine_stream"

	ReasonSummaryGenerate ReasonCode = "summary_generate"
	ReasonStoreUpdate     ReasonCode = "store_update"

	ReasonProviderCall ReasonCode = "provider_call"
	ReasonTapConnect   ReasonCode = "tap_connect"
)
