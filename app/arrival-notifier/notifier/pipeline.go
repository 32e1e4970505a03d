package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	logger "log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
	"github.com/ridewatch/ridewatch/business/data/route"
)

// pipelineConf contains the configurable parameters of the arrival pipeline
type pipelineConf struct {
	StopSubjectPrefix      string
	VehicleSubjectPrefix   string
	ResubscribeDelay       time.Duration
	ArrivalRadiusMeters    float64
	JitterThresholdDegrees float64
}

// assignment is a rider route/stop pair the pipeline watches
type assignment struct {
	RouteId  string `json:"route_id"`
	StopName string `json:"stop_name"`
}

// arrivalPipeline orchestrates the stop ledger, dedup decision and delivery
// for one (route, rider stop) pair. Stop state updates drive notification
// decisions, the raw vehicle feed is used for on-screen display and for the
// reached point write only, since a single GPS outlier must not fire a
// spurious arrival.
type arrivalPipeline struct {
	log       *logger.Logger
	db        *sqlx.DB
	natsConn  *nats.Conn
	listeners *listenerManager
	publisher *notificationPublisher
	kv        ridernotify.KeyValue
	metrics   *metricsCollector
	conf      pipelineConf

	ledger *route.StopLedger

	// decisionMu serializes the dedup check-and-mark so concurrent
	// recomputation triggers cannot double-send
	decisionMu sync.Mutex

	mu         sync.Mutex
	routeId    string
	riderStop  string
	riderIndex int
	deduper    *ridernotify.Deduper
	current    *route.VehicleSample
	previous   *route.VehicleSample

	stopC    chan *nats.Msg
	vehicleC chan *nats.Msg
	assignC  chan assignment

	stopRetry         <-chan time.Time
	vehicleRetry      <-chan time.Time
	unregisterStop    func()
	unregisterVehicle func()
}

// makeArrivalPipeline builds an arrivalPipeline
func makeArrivalPipeline(log *logger.Logger,
	db *sqlx.DB,
	natsConn *nats.Conn,
	listeners *listenerManager,
	publisher *notificationPublisher,
	kv ridernotify.KeyValue,
	metrics *metricsCollector,
	conf pipelineConf) *arrivalPipeline {
	return &arrivalPipeline{
		log:        log,
		db:         db,
		natsConn:   natsConn,
		listeners:  listeners,
		publisher:  publisher,
		kv:         kv,
		metrics:    metrics,
		conf:       conf,
		ledger:     route.MakeStopLedger(),
		riderIndex: -1,
		stopC:      make(chan *nats.Msg, 64),
		vehicleC:   make(chan *nats.Msg, 64),
		assignC:    make(chan assignment, 1),
	}
}

// setAssignment loads the stop snapshot for the assignment and seeds the
// deduper. The deduper is reset only when the route changed, not on every
// start, so a process restart does not replay the day's notifications.
func (p *arrivalPipeline) setAssignment(ctx context.Context, routeId string, stopName string) error {
	p.mu.Lock()
	routeChanged := p.routeId != "" && p.routeId != routeId
	p.routeId = routeId
	p.riderStop = stopName
	p.mu.Unlock()

	stops, err := route.GetRouteStops(p.db, routeId)
	if err != nil {
		return fmt.Errorf("loading stops for route %s: %w", routeId, err)
	}
	err = p.ledger.Load(routeId, stops)
	if errors.Is(err, route.ErrEmptyRoute) {
		// surfaced as an empty state by the status endpoint, not fatal
		p.log.Printf("route %s has no stops configured", routeId)
	} else if err != nil {
		return err
	}

	riderIndex := -1
	if index, present := p.ledger.IndexOf(stopName); present {
		riderIndex = index
	} else {
		p.log.Printf("rider stop %s not found on route %s", stopName, routeId)
	}

	p.mu.Lock()
	p.riderIndex = riderIndex
	deduper := p.deduper
	p.mu.Unlock()

	now := time.Now()
	if deduper == nil {
		deduper, err = ridernotify.NewDeduper(ctx, p.kv, routeId, now)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.deduper = deduper
		p.mu.Unlock()
		return nil
	}
	if routeChanged {
		return deduper.Reset(ctx, routeId, now)
	}
	return nil
}

// requestAssignment hands a new assignment to the run loop, which owns the
// subscriptions that need to be recreated. Returns false when a change is
// already pending.
func (p *arrivalPipeline) requestAssignment(routeId string, stopName string) bool {
	select {
	case p.assignC <- assignment{RouteId: routeId, StopName: stopName}:
		return true
	default:
		return false
	}
}

// run owns the pipeline's subscriptions and processes updates until
// shutdown. The nightly dedup reset timer is armed for the next local
// midnight and re-armed after each reset.
func (p *arrivalPipeline) run(wg *sync.WaitGroup, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	p.subscribeStops()
	p.subscribeVehicle()

	midnight := time.NewTimer(time.Until(ridernotify.NextMidnight(time.Now())))
	defer midnight.Stop()

	for {
		select {
		case <-shutdownSignal:
			p.log.Printf("exiting arrival pipeline on shutdown signal")
			p.unsubscribeAll()
			return
		case msg := <-p.stopC:
			p.handleStopBatch(msg.Data)
		case msg := <-p.vehicleC:
			p.handleVehicleSample(msg.Data)
		case <-midnight.C:
			p.rolloverDeduper()
			midnight.Reset(time.Until(ridernotify.NextMidnight(time.Now())))
		case <-p.listeners.resumeSignal():
			// active hours started again, recreate the pausable subscription
			p.subscribeVehicle()
		case <-p.stopRetry:
			p.stopRetry = nil
			p.subscribeStops()
		case <-p.vehicleRetry:
			p.vehicleRetry = nil
			p.subscribeVehicle()
		case a := <-p.assignC:
			p.applyAssignment(a)
		}
	}
}

// applyAssignment tears down the current subscriptions, loads the new
// assignment and resubscribes on the new route's subjects
func (p *arrivalPipeline) applyAssignment(a assignment) {
	p.log.Printf("changing assignment to route %s stop %s", a.RouteId, a.StopName)
	p.unsubscribeAll()
	err := p.setAssignment(context.Background(), a.RouteId, a.StopName)
	if err != nil {
		p.log.Printf("error applying assignment: %v", err)
	}
	p.subscribeStops()
	p.subscribeVehicle()
}

// subscribeStops registers the critical-tier subscription to the route's
// stop change stream. A subscription error schedules a delayed retry rather
// than propagating upward.
func (p *arrivalPipeline) subscribeStops() {
	subject := p.conf.StopSubjectPrefix + p.currentRouteId()
	sub, err := p.natsConn.ChanSubscribe(subject, p.stopC)
	if err != nil {
		p.log.Printf("unable to subscribe to %s, retrying in %v: %v", subject, p.conf.ResubscribeDelay, err)
		p.stopRetry = time.After(p.conf.ResubscribeDelay)
		return
	}
	p.log.Printf("subscribed to stop updates on %s", subject)
	p.unregisterStop = p.listeners.register("stop-updates", criticalTier, func() {
		unsubscribe(p.log, sub, "stop updates")
	})
}

// subscribeVehicle registers the foreground-tier subscription to the live
// vehicle position, used only for on-screen display
func (p *arrivalPipeline) subscribeVehicle() {
	subject := p.conf.VehicleSubjectPrefix + p.currentRouteId()
	sub, err := p.natsConn.ChanSubscribe(subject, p.vehicleC)
	if err != nil {
		p.log.Printf("unable to subscribe to %s, retrying in %v: %v", subject, p.conf.ResubscribeDelay, err)
		p.vehicleRetry = time.After(p.conf.ResubscribeDelay)
		return
	}
	p.log.Printf("subscribed to vehicle positions on %s", subject)
	p.unregisterVehicle = p.listeners.register("vehicle-position", foregroundTier, func() {
		unsubscribe(p.log, sub, "vehicle positions")
	})
}

// unsubscribeAll releases both subscriptions through their manager handles
func (p *arrivalPipeline) unsubscribeAll() {
	if p.unregisterStop != nil {
		p.unregisterStop()
		p.unregisterStop = nil
	}
	if p.unregisterVehicle != nil {
		p.unregisterVehicle()
		p.unregisterVehicle = nil
	}
}

// unsubscribe convenience function for unsubscribing from a NATS
// subscription, and logging the results.
func unsubscribe(log *logger.Logger, sub *nats.Subscription, subName string) {
	if !sub.IsValid() {
		return
	}
	err := sub.Unsubscribe()
	if err != nil {
		log.Printf("error when attempting to unsubscribe from %s: %v", subName, err)
	}
}

// handleStopBatch merges one ordered batch of stop state changes into the
// ledger and re-evaluates the notification rule. A malformed record is
// skipped and logged, never fatal to the batch.
func (p *arrivalPipeline) handleStopBatch(data []byte) {
	var batch route.StopBatch
	err := json.Unmarshal(data, &batch)
	if err != nil {
		p.log.Printf("error parsing stop batch: %v, payload:%s", err, string(data))
		p.countMalformed()
		return
	}
	for _, update := range batch.Updates {
		if err := update.Validate(); err != nil {
			p.log.Printf("skipping stop update on route %s: %v", batch.RouteId, err)
			p.countMalformed()
			continue
		}
		_, present := p.ledger.ApplyUpdate(update.Name, update.Reached, update.ReachedAt)
		if !present {
			p.log.Printf("skipping update for unknown stop %s on route %s", update.Name, batch.RouteId)
			p.countMalformed()
			continue
		}
		if p.metrics != nil {
			p.metrics.StopUpdatesApplied.Inc()
		}
	}
	p.evaluate(context.Background())
}

// evaluate applies the notification decision rule to the current ledger
// state. Only the kind implied by the current diff is considered, and the
// dedup check-and-mark runs under the decision lock so racing triggers
// cannot double-send. The mark is persisted before delivery.
func (p *arrivalPipeline) evaluate(ctx context.Context) {
	p.decisionMu.Lock()
	defer p.decisionMu.Unlock()

	p.mu.Lock()
	riderIndex := p.riderIndex
	routeId := p.routeId
	riderStop := p.riderStop
	deduper := p.deduper
	p.mu.Unlock()

	if deduper == nil || riderIndex < 0 {
		return
	}
	highest := p.ledger.HighestReachedIndex()
	kind, relevant := ridernotify.KindForDiff(riderIndex - highest)
	if !relevant {
		return
	}
	if !deduper.ShouldFire(kind) {
		if p.metrics != nil {
			p.metrics.NotificationsSuppressed.Inc()
		}
		return
	}
	err := deduper.MarkFired(ctx, kind)
	if err != nil {
		// without a durable mark delivery risks a resend storm, skip it
		p.log.Printf("error persisting fired mark for %s, skipping delivery: %v", kind, err)
		return
	}
	p.publisher.fire(kind, routeId, riderStop, deduper.Day())
}

// handleVehicleSample retains the two most recent samples for display and
// performs the reached point write when the vehicle comes within the
// arrival radius of the next unreached stop. The write flows back through
// the stop change stream, this feed never fires notifications directly.
func (p *arrivalPipeline) handleVehicleSample(data []byte) {
	var sample route.VehicleSample
	err := json.Unmarshal(data, &sample)
	if err != nil {
		p.log.Printf("error parsing vehicle sample: %v, payload:%s", err, string(data))
		p.countMalformed()
		return
	}
	if err := sample.Validate(); err != nil {
		p.log.Printf("skipping vehicle sample: %v", err)
		p.countMalformed()
		return
	}

	p.mu.Lock()
	if p.current != nil && route.CoordinatesJitter(p.current.Latitude, p.current.Longitude,
		sample.Latitude, sample.Longitude, p.conf.JitterThresholdDegrees) {
		// GPS jitter, keep the position but refresh last-seen and speed
		p.current.Timestamp = sample.Timestamp
		p.current.Speed = sample.Speed
		p.mu.Unlock()
		return
	}
	p.previous = p.current
	p.current = &sample
	p.mu.Unlock()

	next := p.ledger.NextUnreachedStop()
	if next == nil || !route.WithinRange(&sample, next, p.conf.ArrivalRadiusMeters) {
		return
	}
	err = route.RecordStopReached(p.db, p.currentRouteId(), next.Name, sample.Timestamp)
	if err != nil {
		p.log.Printf("error recording stop %s reached on route %s: %v", next.Name, p.currentRouteId(), err)
	}
}

// rolloverDeduper clears the fired marks once local time crosses midnight
func (p *arrivalPipeline) rolloverDeduper() {
	p.mu.Lock()
	deduper := p.deduper
	p.mu.Unlock()
	if deduper == nil {
		return
	}
	reset, err := deduper.Rollover(context.Background(), time.Now())
	if err != nil {
		p.log.Printf("error rolling over fired notification map: %v", err)
		return
	}
	if reset {
		p.log.Printf("cleared fired notification map for the new day")
	}
}

func (p *arrivalPipeline) currentRouteId() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routeId
}

func (p *arrivalPipeline) countMalformed() {
	if p.metrics != nil {
		p.metrics.MalformedRecords.Inc()
	}
}

// pipelineStatus is the display snapshot served by the status endpoint
type pipelineStatus struct {
	RouteId             string               `json:"route_id"`
	RiderStop           string               `json:"rider_stop"`
	RiderIndex          int                  `json:"rider_index"`
	HighestReachedIndex int                  `json:"highest_reached_index"`
	LatestSample        *route.VehicleSample `json:"latest_sample"`
	Stops               []route.Stop         `json:"stops"`
}

// statusSnapshot builds the current display state. The retained sample is
// copied under the lock, the run goroutine mutates the live struct in place
// on the jitter path.
func (p *arrivalPipeline) statusSnapshot() pipelineStatus {
	p.mu.Lock()
	status := pipelineStatus{
		RouteId:    p.routeId,
		RiderStop:  p.riderStop,
		RiderIndex: p.riderIndex,
	}
	if p.current != nil {
		sample := *p.current
		status.LatestSample = &sample
	}
	p.mu.Unlock()
	status.HighestReachedIndex = p.ledger.HighestReachedIndex()
	status.Stops = p.ledger.Snapshot()
	return status
}
