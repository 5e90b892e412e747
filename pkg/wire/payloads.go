package wire

// Level is one price bucket of a market profile.
type Level struct {
	Price float64 `json:"price"`
	TPO   int     `json:"tpo"`
}

// ProfilePayload is the full profile carried by a snapshot of kind "profile".
type ProfilePayload struct {
	BucketSize   float64 `json:"bucketSize"`
	SessionStart int64   `json:"sessionStart"` // ms
	LastBar      int64   `json:"lastBar"`      // ms, timestamp of the newest applied bar
	Sequence     uint64  `json:"sequence"`
	Levels       []Level `json:"levels"` // ascending by price
}

// ProfileDelta lists the buckets touched by one bar with their new absolute TPO count,
// so applying the same delta twice is harmless.
type ProfileDelta struct {
	Bar    int64   `json:"bar"` // ms
	Levels []Level `json:"levels"`
}

// RangePayload is carried both by range snapshots and range updates.
type RangePayload struct {
	SessionStart int64   `json:"sessionStart"` // ms
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Current      float64 `json:"current"`
	ADR          float64 `json:"adr"`
	ADRHigh      float64 `json:"adrHigh"`
	ADRLow       float64 `json:"adrLow"`
	Sessions     int     `json:"sessions"` // complete sessions behind the ADR
}
