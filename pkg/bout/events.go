package bout

// EventType names an event in a run's output stream.
type EventType string

const (
	EventStart     EventType = "start"
	EventTurn      EventType = "turn"
	EventTextStart EventType = "text_start"
	EventTextDelta EventType = "text_delta"
	EventTextEnd   EventType = "text_end"
	EventShareLine EventType = "share_line"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one element of a run's output stream. Turn boundaries arrive
// as start, turn, text_start ... text_end; deltas in between carry text
// in arrival order.
type Event struct {
	Type      EventType  `json:"type"`
	BoutID    string     `json:"bout_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Turn      int        `json:"turn"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentName string     `json:"agent_name,omitempty"`
	Color     string     `json:"color,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	Text      string     `json:"text,omitempty"`
	Totals    *Totals    `json:"totals,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// Totals summarize a finished run.
type Totals struct {
	Turns        int   `json:"turns"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CostMicro    int64 `json:"cost_micro"`
}

// ErrorBody is the wire form of an Error.
type ErrorBody struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason,omitempty"`
	Message  string   `json:"message"`
}

// EmitFunc receives events in order. Returning an error tells the engine
// the caller is gone.
type EmitFunc func(Event) error

func discard(Event) error { return nil }
