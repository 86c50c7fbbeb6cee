package domain

import "time"

// Attempt is one try within a request's attempt loop (§3 Request Trace).
type Attempt struct {
	At         time.Time
	Model      string
	KeyIndex   int
	StatusCode int
	LatencyMs  int64
	ErrorTag   string
}

// TokenUsage is the usage extracted by the Stream Parser (§4.2).
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// RequestTrace is one entry in the bounded ring buffer of recent requests
// (§3 Request Trace). Observability only; never affects datapath correctness.
type RequestTrace struct {
	StartedAt time.Time

	TraceID         string
	RequestID       string
	Status          string
	RoutingDecision string
	OriginalModel   string
	MappedModel     string

	KeyIndex  int
	LatencyMs int64

	Attempts []Attempt

	TokenUsage *TokenUsage
}
