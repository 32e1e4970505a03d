package poller

import (
	"context"
	"errors"
	logger "log"
	"os"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
	"github.com/ridewatch/ridewatch/business/data/route"
)

func testLogger() *logger.Logger {
	return logger.New(os.Stdout, "TEST : ", 0)
}

// fakeKeyValue is an in-memory durable store for tests
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

// fakePollStore serves canned samples and alerts
type fakePollStore struct {
	sample    *route.VehicleSample
	sampleErr error
	alerts    []route.AdminAlert
	alertsErr error
}

func (f *fakePollStore) latestVehicleSample(_ context.Context, _ string) (*route.VehicleSample, error) {
	return f.sample, f.sampleErr
}

func (f *fakePollStore) alertsSince(_ context.Context, since time.Time) ([]route.AdminAlert, error) {
	if f.alertsErr != nil {
		return nil, f.alertsErr
	}
	var results []route.AdminAlert
	for _, alert := range f.alerts {
		if alert.CreatedAt.After(since) {
			results = append(results, alert)
		}
	}
	return results, nil
}

// fakeAlertDestination records deliveries and can fail after a set count
type fakeAlertDestination struct {
	messages  []*ridernotify.Message
	failAfter int
}

func (f *fakeAlertDestination) Deliver(message *ridernotify.Message) (string, error) {
	if f.failAfter > 0 && len(f.messages) >= f.failAfter {
		return "", errors.New("delivery rejected")
	}
	f.messages = append(f.messages, message)
	return message.DedupKey, nil
}

func testConf() Conf {
	return Conf{RouteId: "route-1", ReadTimeout: 10 * time.Second}
}

func pollNoon(t *testing.T) time.Time {
	location, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("unable to get testing time zone location")
	}
	return time.Date(2023, 4, 12, 12, 0, 0, 0, location)
}

func TestLocationPollTask(t *testing.T) {
	is := is.New(t)

	noon := pollNoon(t)
	kv := makeFakeKeyValue()

	// no persisted sample yet
	store := &fakePollStore{}
	newData, err := runLocationPollTask(testLogger(), store, kv, testConf())
	is.NoErr(err)
	is.True(!newData)

	// first sample is new data and sets the watermark
	store.sample = &route.VehicleSample{RouteId: "route-1", Latitude: 45.52, Longitude: -122.68, Timestamp: noon}
	newData, err = runLocationPollTask(testLogger(), store, kv, testConf())
	is.NoErr(err)
	is.True(newData)

	// the same sample on the next invocation is not new
	newData, err = runLocationPollTask(testLogger(), store, kv, testConf())
	is.NoErr(err)
	is.True(!newData)

	// a later sample advances the watermark again
	store.sample = &route.VehicleSample{RouteId: "route-1", Latitude: 45.53, Longitude: -122.68, Timestamp: noon.Add(time.Minute)}
	newData, err = runLocationPollTask(testLogger(), store, kv, testConf())
	is.NoErr(err)
	is.True(newData)
}

func TestLocationPollTask_BadWatermark(t *testing.T) {
	is := is.New(t)

	noon := pollNoon(t)
	kv := makeFakeKeyValue()
	kv.values["ridewatch:poll:lastsample:route-1"] = "garbage"

	// an unparseable watermark is discarded and rewritten
	store := &fakePollStore{sample: &route.VehicleSample{RouteId: "route-1", Latitude: 45.52, Longitude: -122.68, Timestamp: noon}}
	newData, err := runLocationPollTask(testLogger(), store, kv, testConf())
	is.NoErr(err)
	is.True(newData)
	is.Equal(kv.values["ridewatch:poll:lastsample:route-1"], noon.Format(time.RFC3339Nano))
}

func TestLocationPollTask_StoreError(t *testing.T) {
	is := is.New(t)

	store := &fakePollStore{sampleErr: errors.New("store unavailable")}
	_, err := runLocationPollTask(testLogger(), store, makeFakeKeyValue(), testConf())
	is.True(err != nil)
}

func TestAdminAlertsPollTask(t *testing.T) {
	is := is.New(t)

	noon := pollNoon(t)
	kv := makeFakeKeyValue()
	store := &fakePollStore{
		alerts: []route.AdminAlert{
			{Id: 1, Title: "Detour", Body: "Route 1 detoured via Canyon Rd", CreatedAt: noon},
			{Id: 2, Title: "Delay", Body: "20 minute delays", CreatedAt: noon.Add(time.Minute)},
		},
	}
	destination := &fakeAlertDestination{}

	delivered, err := runAdminAlertsPollTask(testLogger(), store, kv, destination, testConf())
	is.NoErr(err)
	is.Equal(delivered, 2)
	is.Equal(destination.messages[0].DedupKey, "alert:1")
	is.Equal(destination.messages[1].DedupKey, "alert:2")

	// nothing new on the next invocation
	delivered, err = runAdminAlertsPollTask(testLogger(), store, kv, destination, testConf())
	is.NoErr(err)
	is.Equal(delivered, 0)
	is.Equal(len(destination.messages), 2)
}

// TestAdminAlertsPollTask_DeliveryFailure verifies the watermark only moves
// past alerts that were actually delivered, so a failed delivery is retried
// on the next invocation without re-delivering earlier alerts
func TestAdminAlertsPollTask_DeliveryFailure(t *testing.T) {
	is := is.New(t)

	noon := pollNoon(t)
	kv := makeFakeKeyValue()
	store := &fakePollStore{
		alerts: []route.AdminAlert{
			{Id: 1, Title: "Detour", Body: "Route 1 detoured via Canyon Rd", CreatedAt: noon},
			{Id: 2, Title: "Delay", Body: "20 minute delays", CreatedAt: noon.Add(time.Minute)},
			{Id: 3, Title: "Resumed", Body: "Normal service resumed", CreatedAt: noon.Add(2 * time.Minute)},
		},
	}
	destination := &fakeAlertDestination{failAfter: 1}

	delivered, err := runAdminAlertsPollTask(testLogger(), store, kv, destination, testConf())
	is.True(err != nil)
	is.Equal(delivered, 1)
	is.Equal(kv.values["ridewatch:poll:alerts"], noon.Format(time.RFC3339Nano))

	// the retry picks up at the failed alert, not the beginning
	destination.failAfter = 0
	delivered, err = runAdminAlertsPollTask(testLogger(), store, kv, destination, testConf())
	is.NoErr(err)
	is.Equal(delivered, 2)
	is.Equal(len(destination.messages), 3)
	is.Equal(destination.messages[1].DedupKey, "alert:2")
	is.Equal(destination.messages[2].DedupKey, "alert:3")
}

func TestAlertMessage(t *testing.T) {
	is := is.New(t)

	alert := route.AdminAlert{Id: 7, Title: "Detour", Body: "Route 1 detoured via Canyon Rd"}
	message := alertMessage(&alert)
	is.Equal(message.Title, "Detour")
	is.Equal(message.Body, "Route 1 detoured via Canyon Rd")
	is.Equal(message.Priority, "default")
	is.Equal(message.DedupKey, "alert:7")
	is.Equal(message.Data["alert_id"], "7")
}
