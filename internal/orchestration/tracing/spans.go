package tracing

// Span attribute keys for pipeline tracing.
const (
	// Run attributes
	AttrRunID        = "run.id"
	AttrWorkflowName = "workflow.name"
	AttrRunStatus    = "run.status"

	// Stage attributes
	AttrStage = "stage.id"

	// Message attributes
	AttrMessageID   = "message.id"
	AttrMessageKind = "message.kind"
	AttrSender      = "message.sender"

	// Collaborator attributes
	AttrLLMModel     = "llm.model"
	AttrLLMAttempt   = "llm.attempt"
	AttrSourceURL    = "research.source_url"
	AttrCacheHit     = "cache.hit"
	AttrOutputFields = "output.fields"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes.
const (
	SpanPrefixRun   = "run."
	SpanPrefixStage = "stage."
	SpanPrefixLLM   = "llm."
	SpanPrefixStore = "store."
)

// Event names for span events.
const (
	EventMessageReceived  = "message.received"
	EventMessageForwarded = "message.forwarded"
	EventMessageDead      = "message.dead_lettered"
	EventRetryScheduled   = "retry.scheduled"
	EventErrorOccurred    = "error.occurred"
)
