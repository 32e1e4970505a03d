package notifier

import (
	"context"
	logger "log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/foundation/database"
)

// ConnectionStatus is the process-wide view of store reachability. Mutated
// only by the health monitor, everything else reads a snapshot or subscribes
// to change broadcasts.
type ConnectionStatus struct {
	Connected           bool      `json:"connected"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
}

// storeTransport is the narrow surface the health monitor probes and resets.
// cycle toggles the underlying transport offline-then-online rather than
// merely retrying reads, to clear any stuck socket state.
type storeTransport interface {
	probe(ctx context.Context) error
	cycle(ctx context.Context) error
}

// sqlNatsTransport probes the document store over its sql connection and
// cycles both the sql pool and the NATS connection on reconnect
type sqlNatsTransport struct {
	db       *sqlx.DB
	natsConn *nats.Conn
}

func (t *sqlNatsTransport) probe(ctx context.Context) error {
	return database.StatusCheck(ctx, t.db)
}

func (t *sqlNatsTransport) cycle(_ context.Context) error {
	// dropping the idle pool closes any half-dead sockets, the next probe
	// dials fresh connections
	t.db.DB.SetMaxIdleConns(0)
	t.db.DB.SetMaxIdleConns(2)
	if t.natsConn != nil {
		return t.natsConn.ForceReconnect()
	}
	return nil
}

// healthMonitorConf contains the configurable timing parameters of the
// health monitor
type healthMonitorConf struct {
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
	ProbeAttempts    int
	ProbeBackoffStep time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	WidenAfter       int
	WidenMultiplier  int
}

// healthMonitor periodically probes store reachability, broadcasting status
// changes to registered observers. State machine: Unknown -> Connected <->
// Disconnected. While disconnected it cycles the transport with exponential
// backoff until a probe succeeds.
type healthMonitor struct {
	log       *logger.Logger
	transport storeTransport
	conf      healthMonitorConf
	metrics   *metricsCollector

	mu        sync.Mutex
	known     bool
	status    ConnectionStatus
	observers []func(ConnectionStatus)

	retryC chan struct{}
}

// makeHealthMonitor builds a healthMonitor
func makeHealthMonitor(log *logger.Logger,
	transport storeTransport,
	conf healthMonitorConf,
	metrics *metricsCollector) *healthMonitor {
	return &healthMonitor{
		log:       log,
		transport: transport,
		conf:      conf,
		metrics:   metrics,
		retryC:    make(chan struct{}, 1),
	}
}

// currentStatus returns a snapshot of the connection status
func (h *healthMonitor) currentStatus() ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// subscribe registers an observer invoked on every status change
func (h *healthMonitor) subscribe(observer func(ConnectionStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, observer)
}

// requestRetry asks a disconnected monitor to skip the remainder of its
// backoff delay. Non-blocking, used by the manual retry action.
func (h *healthMonitor) requestRetry() {
	select {
	case h.retryC <- struct{}{}:
	default:
	}
}

// run performs the periodic check loop until shutdown. Five or more
// consecutive failures widen the check interval so a store that is down is
// not hammered.
func (h *healthMonitor) run(wg *sync.WaitGroup, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	// buffered so the sleeper can deliver and exit when shutdown wins the
	// select
	sleepChan := make(chan bool, 1)
	sleep := time.Duration(0) // first check runs immediately

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			h.log.Printf("exiting health monitor on shutdown signal")
			return
		case <-sleepChan:
		}

		if h.checkOnce() {
			h.recordResult(true)
		} else {
			h.recordResult(false)
			if !h.reconnectLoop(shutdownSignal) {
				return
			}
		}

		sleep = h.conf.CheckInterval
		if h.currentStatus().ConsecutiveFailures >= h.conf.WidenAfter {
			sleep = h.conf.CheckInterval * time.Duration(h.conf.WidenMultiplier)
		}
	}
}

// checkOnce performs one bounded-time check with a small retry budget,
// waiting ProbeBackoffStep longer before each subsequent attempt
func (h *healthMonitor) checkOnce() bool {
	for attempt := 0; attempt < h.conf.ProbeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(h.conf.ProbeBackoffStep * time.Duration(attempt))
		}
		if h.probeOnce() == nil {
			return true
		}
		if h.metrics != nil {
			h.metrics.ProbeFailures.Inc()
		}
	}
	return false
}

// probeOnce runs a single bounded-time probe
func (h *healthMonitor) probeOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.ProbeTimeout)
	defer cancel()
	return h.transport.probe(ctx)
}

// reconnectLoop cycles the transport with exponential backoff until a probe
// succeeds or shutdown arrives. A manual retry request skips the remainder
// of the current delay. Returns false when the monitor should exit.
func (h *healthMonitor) reconnectLoop(shutdownSignal chan bool) bool {
	attempt := 0
	for {
		if h.metrics != nil {
			h.metrics.Reconnects.Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.conf.ProbeTimeout)
		err := h.transport.cycle(ctx)
		cancel()
		if err != nil {
			h.log.Printf("error cycling store transport: %v", err)
		}
		if h.probeOnce() == nil {
			h.recordResult(true)
			return true
		}
		h.recordResult(false)

		delay := reconnectDelay(h.conf.ReconnectBase, h.conf.ReconnectCap, attempt)
		h.log.Printf("store still unreachable, next reconnection attempt in %v", delay)
		select {
		case <-shutdownSignal:
			h.log.Printf("exiting reconnection loop on shutdown signal")
			return false
		case <-h.retryC:
			h.log.Printf("manual retry requested, skipping reconnection backoff")
		case <-time.After(delay):
		}
		attempt++
	}
}

// reconnectDelay returns min(base * 2^attempt, limit)
func reconnectDelay(base time.Duration, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// recordResult updates the status under the single-writer discipline and
// broadcasts to observers when the connected flag changed
func (h *healthMonitor) recordResult(success bool) {
	h.mu.Lock()
	transitioned := !h.known || h.status.Connected != success
	h.known = true
	h.status.Connected = success
	h.status.LastCheck = time.Now()
	if success {
		h.status.ConsecutiveFailures = 0
	} else {
		h.status.ConsecutiveFailures++
	}
	snapshot := h.status
	observers := make([]func(ConnectionStatus), len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()

	if h.metrics != nil {
		if success {
			h.metrics.StoreConnected.Set(1)
		} else {
			h.metrics.StoreConnected.Set(0)
		}
	}
	if !transitioned {
		return
	}
	h.log.Printf("store connection status changed, connected:%t consecutive failures:%d",
		snapshot.Connected, snapshot.ConsecutiveFailures)
	for _, observer := range observers {
		observer(snapshot)
	}
}
