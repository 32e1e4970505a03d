package notifier

import (
	"context"
	"errors"
	logger "log"
	"os"
	"sync"
	"time"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
	"github.com/ridewatch/ridewatch/business/data/route"
)

func testLogger() *logger.Logger {
	return logger.New(os.Stdout, "TEST : ", 0)
}

// fakeKeyValue is an in-memory durable store for tests
type fakeKeyValue struct {
	mu     sync.Mutex
	values map[string]string
	failed bool
}

func makeFakeKeyValue() *fakeKeyValue {
	return &fakeKeyValue{values: make(map[string]string)}
}

func (f *fakeKeyValue) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return "", errors.New("store unavailable")
	}
	return f.values[key], nil
}

func (f *fakeKeyValue) Set(_ context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("store unavailable")
	}
	f.values[key] = value
	return nil
}

// fakeDestination records delivered notifications
type fakeDestination struct {
	mu       sync.Mutex
	messages []*ridernotify.Message
	failed   bool
}

func (f *fakeDestination) Deliver(message *ridernotify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return "", errors.New("delivery rejected")
	}
	f.messages = append(f.messages, message)
	return message.DedupKey, nil
}

func (f *fakeDestination) delivered() []*ridernotify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]*ridernotify.Message, len(f.messages))
	copy(results, f.messages)
	return results
}

// fakeTransport scripts probe results for the health monitor
type fakeTransport struct {
	mu           sync.Mutex
	probeErrs    []error
	probeCalls   int
	cycleCalls   int
	probeDefault error
}

func (f *fakeTransport) probe(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if len(f.probeErrs) > 0 {
		err := f.probeErrs[0]
		f.probeErrs = f.probeErrs[1:]
		return err
	}
	return f.probeDefault
}

func (f *fakeTransport) cycle(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycleCalls++
	return nil
}

func testStops() []route.Stop {
	return []route.Stop{
		{RouteId: "route-1", Name: "A", Latitude: 45.51, Longitude: -122.80, PositionIndex: 0},
		{RouteId: "route-1", Name: "B", Latitude: 45.52, Longitude: -122.78, PositionIndex: 1},
		{RouteId: "route-1", Name: "C", Latitude: 45.53, Longitude: -122.76, PositionIndex: 2},
	}
}

// makeTestPipeline builds an arrivalPipeline wired with fakes, with the
// ledger loaded and the rider assigned to stop B
func makeTestPipeline(destination *fakeDestination, kv *fakeKeyValue, now time.Time) *arrivalPipeline {
	log := testLogger()
	window := makeActiveHoursWindow(0, 24)
	listeners := makeListenerManager(log, window, nil, now)
	publisher := makeNotificationPublisher(log, destination, nil)
	pipeline := makeArrivalPipeline(log, nil, nil, listeners, publisher, kv, nil, pipelineConf{
		ResubscribeDelay:       10 * time.Second,
		ArrivalRadiusMeters:    100,
		JitterThresholdDegrees: 0.0001,
	})

	if err := pipeline.ledger.Load("route-1", testStops()); err != nil {
		panic(err)
	}
	deduper, err := ridernotify.NewDeduper(context.Background(), kv, "route-1", now)
	if err != nil {
		panic(err)
	}
	pipeline.routeId = "route-1"
	pipeline.riderStop = "B"
	pipeline.riderIndex = 1
	pipeline.deduper = deduper
	return pipeline
}
