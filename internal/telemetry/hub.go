// Package telemetry collects compositor reports and fans them out to
// subscribers such as the websocket event stream.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies an Event.
type Kind string

const (
	KindIncompleteFrame Kind = "incomplete_frame"
	KindDuplicateTile   Kind = "duplicate_tile"
	KindRejectedTile    Kind = "rejected_tile"
	KindFrameDelivered  Kind = "frame_delivered"
)

// Event is one telemetry record.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	FrameIndex uint64    `json:"frame_index"`
	Role       string    `json:"role,omitempty"`
	Missing    []string  `json:"missing,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

const defaultHistory = 64

// Hub implements compositor.Reporter. It logs every report, keeps per-kind
// counters and a short history, and broadcasts events to subscribers
// without blocking.
type Hub struct {
	mu        sync.RWMutex
	listeners []chan Event
	history   []Event
	next      int
	counts    map[Kind]uint64
	reasons   map[string]uint64

	limit int
	now   func() time.Time
	log   zerolog.Logger
}

var _ compositor.Reporter = (*Hub)(nil)

// NewHub creates a hub that remembers the last history events. A history of
// zero or less uses a default.
func NewHub(history int) *Hub {
	if history <= 0 {
		history = defaultHistory
	}
	return &Hub{
		counts:  make(map[Kind]uint64),
		reasons: make(map[string]uint64),
		limit:   history,
		now:     time.Now,
		log:     *logger.WithComponent("telemetry"),
	}
}

// ReportIncompleteFrame records an abandoned frame.
func (h *Hub) ReportIncompleteFrame(frameIndex uint64, missing []projection.ViewRole, reason error) {
	names := make([]string, len(missing))
	for i, role := range missing {
		names[i] = role.String()
	}
	h.log.Warn().
		Uint64("frame", frameIndex).
		Strs("missing", names).
		Err(reason).
		Msg("Incomplete frame")

	h.publish(Event{
		Kind:       KindIncompleteFrame,
		FrameIndex: frameIndex,
		Missing:    names,
		Reason:     reasonOf(reason),
	})
}

// ReportDuplicateTile records a dropped duplicate tile.
func (h *Hub) ReportDuplicateTile(frameIndex uint64, role projection.ViewRole) {
	h.log.Debug().Uint64("frame", frameIndex).Stringer("role", role).Msg("Duplicate tile")
	h.publish(Event{
		Kind:       KindDuplicateTile,
		FrameIndex: frameIndex,
		Role:       role.String(),
		Reason:     compositor.ErrDuplicateTile.Error(),
	})
}

// ReportRejectedTile records a tile refused before merging.
func (h *Hub) ReportRejectedTile(frameIndex uint64, role projection.ViewRole, err error) {
	h.log.Debug().Uint64("frame", frameIndex).Stringer("role", role).Err(err).Msg("Rejected tile")
	h.publish(Event{
		Kind:       KindRejectedTile,
		FrameIndex: frameIndex,
		Role:       role.String(),
		Reason:     reasonOf(err),
	})
}

// RecordDelivery records a frame handed downstream. Deliveries are counted
// and broadcast but not logged.
func (h *Hub) RecordDelivery(frameIndex uint64) {
	h.publish(Event{Kind: KindFrameDelivered, FrameIndex: frameIndex})
}

func (h *Hub) publish(ev Event) {
	ev.ID = uuid.NewString()
	ev.Time = h.now()

	h.mu.Lock()
	h.counts[ev.Kind]++
	if ev.Reason != "" {
		h.reasons[ev.Reason]++
	}
	if ev.Kind != KindFrameDelivered {
		if len(h.history) < h.limit {
			h.history = append(h.history, ev)
		} else {
			h.history[h.next] = ev
		}
		h.next = (h.next + 1) % h.limit
	}
	for _, listener := range h.listeners {
		select {
		case listener <- ev:
		default:
			// Skip slow subscribers
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel receiving every subsequent event.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Recent returns the remembered error events, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Event, 0, len(h.history))
	if len(h.history) < h.limit {
		return append(out, h.history...)
	}
	out = append(out, h.history[h.next:]...)
	return append(out, h.history[:h.next]...)
}

// Counts returns the number of events per kind.
func (h *Hub) Counts() map[Kind]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[Kind]uint64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// Reasons returns the number of events per error reason.
func (h *Hub) Reasons() map[string]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]uint64, len(h.reasons))
	for k, v := range h.reasons {
		out[k] = v
	}
	return out
}

// reasonOf names the sentinel behind err, falling back to its message.
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		compositor.ErrIncompleteFrameTimeout,
		compositor.ErrCapacityExceeded,
		compositor.ErrAbandoned,
		compositor.ErrUnknownViewRole,
		compositor.ErrConfigurationMismatch,
		compositor.ErrLateTile,
		compositor.ErrFrameClosed,
		compositor.ErrDuplicateTile,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
