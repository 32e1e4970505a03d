package ridernotify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

// fakeKeyValue is an in-memory KeyValue for tests
type fakeKeyValue struct {
	values map[string]string
	failed bool
}

func makeFakeKeyValue() *fakeKeyValue {
	return &fakeKeyValue{values: make(map[string]string)}
}

func (f *fakeKeyValue) Get(_ context.Context, key string) (string, error) {
	if f.failed {
		return "", errors.New("store unavailable")
	}
	return f.values[key], nil
}

func (f *fakeKeyValue) Set(_ context.Context, key string, value string) error {
	if f.failed {
		return errors.New("store unavailable")
	}
	f.values[key] = value
	return nil
}

func TestKindForDiff(t *testing.T) {
	tests := []struct {
		diff     int
		want     Kind
		relevant bool
	}{
		{diff: 2, want: TwoAway, relevant: true},
		{diff: 1, want: OneAway, relevant: true},
		{diff: 0, want: Arrived, relevant: true},
		{diff: -1, want: PassedOne, relevant: true},
		{diff: -2, want: PassedTwo, relevant: true},
		{diff: 3, relevant: false},
		{diff: -3, relevant: false},
		{diff: 10, relevant: false},
	}
	for _, tt := range tests {
		got, relevant := KindForDiff(tt.diff)
		if relevant != tt.relevant {
			t.Errorf("KindForDiff(%d) relevant = %t, want %t", tt.diff, relevant, tt.relevant)
			continue
		}
		if relevant && got != tt.want {
			t.Errorf("KindForDiff(%d) = %s, want %s", tt.diff, got, tt.want)
		}
	}
}

func TestDeduper_FiresAtMostOncePerDay(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	location, err := time.LoadLocation("America/Los_Angeles")
	is.NoErr(err)
	noon := time.Date(2023, 4, 12, 12, 0, 0, 0, location)

	kv := makeFakeKeyValue()
	deduper, err := NewDeduper(ctx, kv, "route-1", noon)
	is.NoErr(err)

	is.True(deduper.ShouldFire(OneAway))
	is.NoErr(deduper.MarkFired(ctx, OneAway))
	is.True(!deduper.ShouldFire(OneAway))

	// other kinds are tracked independently
	is.True(deduper.ShouldFire(Arrived))
}

func TestDeduper_SurvivesRestart(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	location, err := time.LoadLocation("America/Los_Angeles")
	is.NoErr(err)
	noon := time.Date(2023, 4, 12, 12, 0, 0, 0, location)

	kv := makeFakeKeyValue()
	deduper, err := NewDeduper(ctx, kv, "route-1", noon)
	is.NoErr(err)
	is.NoErr(deduper.MarkFired(ctx, TwoAway))
	is.NoErr(deduper.MarkFired(ctx, OneAway))

	// a new deduper over the same store sees the same marks
	restarted, err := NewDeduper(ctx, kv, "route-1", noon.Add(time.Hour))
	is.NoErr(err)
	is.True(!restarted.ShouldFire(TwoAway))
	is.True(!restarted.ShouldFire(OneAway))
	is.True(restarted.ShouldFire(Arrived))
}

func TestDeduper_MidnightRollover(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	location, err := time.LoadLocation("America/Los_Angeles")
	is.NoErr(err)
	evening := time.Date(2023, 4, 12, 21, 30, 0, 0, location)

	kv := makeFakeKeyValue()
	deduper, err := NewDeduper(ctx, kv, "route-1", evening)
	is.NoErr(err)
	is.NoErr(deduper.MarkFired(ctx, Arrived))

	// still the same day, nothing happens
	reset, err := deduper.Rollover(ctx, evening.Add(time.Hour))
	is.NoErr(err)
	is.True(!reset)
	is.True(!deduper.ShouldFire(Arrived))

	// crossing midnight clears the marks
	reset, err = deduper.Rollover(ctx, evening.Add(4*time.Hour))
	is.NoErr(err)
	is.True(reset)
	is.True(deduper.ShouldFire(Arrived))
	is.Equal(deduper.Day(), "2023-04-13")
}

func TestDeduper_RouteChangeReset(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	location, err := time.LoadLocation("America/Los_Angeles")
	is.NoErr(err)
	noon := time.Date(2023, 4, 12, 12, 0, 0, 0, location)

	kv := makeFakeKeyValue()
	deduper, err := NewDeduper(ctx, kv, "route-1", noon)
	is.NoErr(err)
	is.NoErr(deduper.MarkFired(ctx, OneAway))

	is.NoErr(deduper.Reset(ctx, "route-2", noon))
	is.True(deduper.ShouldFire(OneAway))
}

func TestNextMidnight(t *testing.T) {
	is := is.New(t)

	location, err := time.LoadLocation("America/Los_Angeles")
	is.NoErr(err)

	evening := time.Date(2023, 4, 12, 23, 55, 0, 0, location)
	is.Equal(NextMidnight(evening), time.Date(2023, 4, 13, 0, 0, 0, 0, location))

	// just after midnight the next reset is almost a full day away
	morning := time.Date(2023, 4, 13, 0, 5, 0, 0, location)
	is.Equal(NextMidnight(morning), time.Date(2023, 4, 14, 0, 0, 0, 0, location))
}

func TestBuildMessage(t *testing.T) {
	tests := []struct {
		kind         Kind
		wantPriority string
	}{
		{kind: TwoAway, wantPriority: "default"},
		{kind: OneAway, wantPriority: "high"},
		{kind: Arrived, wantPriority: "high"},
		{kind: PassedOne, wantPriority: "default"},
		{kind: PassedTwo, wantPriority: "default"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			is := is.New(t)
			message := BuildMessage(tt.kind, "route-1", "Sunset TC", "2023-04-12")
			is.Equal(message.Priority, tt.wantPriority)
			is.Equal(message.DedupKey, "route-1:2023-04-12:"+string(tt.kind))
			is.Equal(message.Data["kind"], string(tt.kind))
			is.Equal(message.Data["route"], "route-1")
			is.Equal(message.Data["stop"], "Sunset TC")
			is.True(message.Title != "")
			is.True(message.Body != "")
		})
	}
}
