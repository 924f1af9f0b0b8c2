package compositor

import "sync/atomic"

// Stats is a snapshot of compositor activity since creation.
type Stats struct {
	Session string `json:"session"`

	Submitted  uint64 `json:"submitted"`
	Merged     uint64 `json:"merged"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Late       uint64 `json:"late"`

	Completed uint64 `json:"completed"`
	Delivered uint64 `json:"delivered"`
	Abandoned uint64 `json:"abandoned"`
	TimedOut  uint64 `json:"timed_out"`
	Evicted   uint64 `json:"evicted"`
	// Skipped counts frames closed by a higher delivery before any of
	// their tiles arrived.
	Skipped uint64 `json:"skipped"`

	InFlight int `json:"in_flight"`
	Held     int `json:"held"`
	// Queued counts released frames waiting behind the delivery in progress.
	Queued int `json:"queued"`

	// Every index at or below Floor is closed to new tiles.
	Floor    uint64 `json:"floor"`
	HasFloor bool   `json:"has_floor"`

	LastDelivered    uint64 `json:"last_delivered"`
	HasDelivered     bool   `json:"has_delivered"`
	Reconfigurations uint64 `json:"reconfigurations"`
	FrameAllocs      uint64 `json:"frame_allocs"`
	TileAllocs       uint64 `json:"tile_allocs"`
	AccumAllocs      uint64 `json:"accumulator_allocs"`
}

type counters struct {
	submitted  atomic.Uint64
	merged     atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	late       atomic.Uint64

	completed atomic.Uint64
	abandoned atomic.Uint64
	timedOut  atomic.Uint64
	evicted   atomic.Uint64
	skipped   atomic.Uint64

	reconfigurations atomic.Uint64
}
