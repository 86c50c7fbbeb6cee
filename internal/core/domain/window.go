package domain

import "time"

// ModelWindow is the per-model AIMD state described in §3. It is created
// lazily on first traffic for a known model; models the router has never
// routed to have no window and are passthrough-permissive.
type ModelWindow struct {
	LastAdjustAt     time.Time
	LastCongestionAt time.Time
	LastTrafficAt    time.Time

	Model string

	StaticMax    int
	EffectiveMax int
	Floor        int

	CongestionCount int
	SuccessCount    int
	QuotaHitCount   int
	UnknownHitCount int

	ConsecutiveCleanTicks int

	AdjustmentsDown int64
	AdjustmentsUp   int64

	LastAdjustReason string
}

// CongestionSignal is the feedback a single failed upstream call reports to
// the window, carrying whatever the upstream told us about why (§4.5).
type CongestionSignal struct {
	RetryAfterMs int64
	ErrorCode    string
	ErrorBody    string
}
