package domain

// CircuitState is one of the three states a per-key, per-provider circuit
// breaker can occupy (§4.3).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

func (s CircuitState) String() string { return string(s) }
