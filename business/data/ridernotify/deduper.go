package ridernotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// KeyValue is the durable string store the fired-kind map is persisted to so
// dedup state survives process restarts. A missing key is reported as an
// empty value with no error.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
}

// Deduper tracks which notification kinds have already fired today for one
// route. ShouldFire and MarkFired are safe for concurrent callers, the
// check-and-mark around a single decision is serialized by the caller
// holding its own decision lock.
type Deduper struct {
	mu      sync.Mutex
	kv      KeyValue
	routeId string
	day     string
	fired   map[Kind]bool
}

// NewDeduper builds a Deduper for routeId seeded from the persisted
// fired-kind map for the current local day.
func NewDeduper(ctx context.Context, kv KeyValue, routeId string, now time.Time) (*Deduper, error) {
	d := Deduper{
		kv:      kv,
		routeId: routeId,
		day:     dayKey(now),
		fired:   make(map[Kind]bool),
	}
	value, err := kv.Get(ctx, d.storageKey())
	if err != nil {
		return nil, fmt.Errorf("loading fired notification map: %w", err)
	}
	if value != "" {
		err = json.Unmarshal([]byte(value), &d.fired)
		if err != nil {
			return nil, fmt.Errorf("parsing fired notification map: %w", err)
		}
	}
	return &d, nil
}

// Day returns the local date the deduper is currently scoped to
func (d *Deduper) Day() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.day
}

// ShouldFire returns true when kind has not already been marked fired today
func (d *Deduper) ShouldFire(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.fired[kind]
}

// MarkFired persists the fired mark for kind. Called before delivery so a
// delivery failure cannot cause a resend storm. A crash between mark and
// delivery loses at most one notification, accepted best-effort behavior.
func (d *Deduper) MarkFired(ctx context.Context, kind Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired[kind] = true
	return d.persist(ctx)
}

// Rollover clears all fired marks once local time has crossed into a new
// day. Returns true when a reset happened.
func (d *Deduper) Rollover(ctx context.Context, now time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	day := dayKey(now)
	if day == d.day {
		return false, nil
	}
	d.day = day
	d.fired = make(map[Kind]bool)
	return true, d.persist(ctx)
}

// Reset clears the fired marks for routeId, used when the rider's route
// assignment changes.
func (d *Deduper) Reset(ctx context.Context, routeId string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeId = routeId
	d.day = dayKey(now)
	d.fired = make(map[Kind]bool)
	return d.persist(ctx)
}

// persist writes the fired map under the route+day key. Callers hold d.mu.
func (d *Deduper) persist(ctx context.Context) error {
	jsonData, err := json.Marshal(d.fired)
	if err != nil {
		return fmt.Errorf("marshaling fired notification map: %w", err)
	}
	return d.kv.Set(ctx, d.storageKey(), string(jsonData))
}

func (d *Deduper) storageKey() string {
	return fmt.Sprintf("ridewatch:fired:%s:%s", d.routeId, d.day)
}

func dayKey(at time.Time) string {
	return at.Format("2006-01-02")
}

// NextMidnight returns the first instant of the next local day after now,
// used to arm the nightly reset timer.
func NextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
