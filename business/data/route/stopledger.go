package route

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEmptyRoute indicates the store returned no stops for a route. Callers
// should present an empty state rather than treating this as fatal.
var ErrEmptyRoute = errors.New("route has no stops")

// StopLedger holds the ordered stop list for one route. Progress along the
// route is tracked by the highest position index flagged reached rather than
// by distance, so that a single missed sample does not desynchronize the
// ledger. Reached flags may arrive out of strict spatial order due to GPS
// noise and are accepted as-is.
type StopLedger struct {
	mu      sync.RWMutex
	routeId string
	stops   []Stop
	byName  map[string]int
}

// MakeStopLedger builds an empty StopLedger
func MakeStopLedger() *StopLedger {
	return &StopLedger{
		byName: make(map[string]int),
	}
}

// Load replaces the ledger contents from a full snapshot, sorted by position
// index ascending. Returns ErrEmptyRoute when the snapshot contains no stops,
// leaving the ledger empty.
func (l *StopLedger) Load(routeId string, stops []Stop) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.routeId = routeId
	l.stops = nil
	l.byName = make(map[string]int)
	if len(stops) == 0 {
		return ErrEmptyRoute
	}

	l.stops = make([]Stop, len(stops))
	copy(l.stops, stops)
	sort.Slice(l.stops, func(i, j int) bool {
		return l.stops[i].PositionIndex < l.stops[j].PositionIndex
	})
	for i, stop := range l.stops {
		l.byName[stop.Name] = i
	}
	return nil
}

// ApplyUpdate merges a single stop state change into the ledger. The merge is
// idempotent: re-applying the same reached state refreshes reachedAt but
// reports no change. Duplicate or racing batches resolve last-write-wins per
// stop by reachedAt, not by arrival order. The first return value is true
// when the reached flag changed, the second is false when the stop is not in
// the ledger.
func (l *StopLedger) ApplyUpdate(name string, reached bool, reachedAt *time.Time) (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, present := l.byName[name]
	if !present {
		return false, false
	}
	stop := &l.stops[i]
	if reachedAt != nil && stop.ReachedAt != nil && reachedAt.Before(*stop.ReachedAt) {
		// stale update from a racing batch
		return false, true
	}
	changed := stop.Reached != reached
	stop.Reached = reached
	stop.ReachedAt = reachedAt
	return changed, true
}

// HighestReachedIndex returns the largest position index among stops
// currently flagged reached, or -1 when none are. This is the coarse "where
// is the bus" signal the notification rule runs on.
func (l *StopLedger) HighestReachedIndex() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	highest := -1
	for _, stop := range l.stops {
		if stop.Reached && stop.PositionIndex > highest {
			highest = stop.PositionIndex
		}
	}
	return highest
}

// IndexOf returns the position index of a named stop. The second return
// value is false when the stop is not in the ledger.
func (l *StopLedger) IndexOf(name string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, present := l.byName[name]
	if !present {
		return 0, false
	}
	return l.stops[i].PositionIndex, true
}

// RouteId returns the route the ledger currently holds stops for
func (l *StopLedger) RouteId() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.routeId
}

// NextUnreachedStop returns a copy of the lowest-indexed stop not yet flagged
// reached, or nil when every stop has been reached or the ledger is empty.
func (l *StopLedger) NextUnreachedStop() *Stop {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, stop := range l.stops {
		if !stop.Reached {
			result := stop
			return &result
		}
	}
	return nil
}

// Snapshot returns a copy of the ledger's stops in position order
func (l *StopLedger) Snapshot() []Stop {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Stop, len(l.stops))
	copy(results, l.stops)
	return results
}
