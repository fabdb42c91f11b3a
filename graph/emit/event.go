package emit

// Event messages emitted by the evaluator.
const (
	MsgPassStart       = "pass_start"
	MsgPassEnd         = "pass_end"
	MsgPassConfigError = "pass_config_error"
	MsgNodeStart       = "node_start"
	MsgNodeEnd         = "node_end"
	MsgNodeError       = "node_error"
	MsgNodeSkipped     = "node_skipped"
)

// Event is one observation of an evaluation pass.
type Event struct {
	// RunID identifies the evaluator that emitted the event.
	RunID string

	// Pass is the 1-based evaluation pass number.
	Pass int

	// NodeID is the name of the node the event concerns.
	// Empty for pass-level events.
	NodeID string

	// Msg is one of the Msg constants.
	Msg string

	// Meta carries event-specific data. Common keys:
	//   - "latency_ms": node or pass duration in milliseconds
	//   - "status": node outcome
	//   - "error": failure description
	//   - "order": processing order as node names
	Meta map[string]interface{}
}
