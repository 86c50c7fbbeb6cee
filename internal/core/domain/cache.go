package domain

import "time"

// PayloadEntry is a redacted copy of a request body kept for diagnostics
// (§3 Payload Cache). Only failed or oversized requests are cached.
type PayloadEntry struct {
	StoredAt  time.Time
	RequestID string
	Body      []byte
}

// OverrideEntry is an admin-asserted model choice: per-key (set at load) or
// per-request (via the x-model-override header, §6).
type OverrideEntry struct {
	KeyIndex int
	Model    string
}
