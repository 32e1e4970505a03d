package notifier

import (
	logger "log"
	"sync"
	"time"

	"github.com/rickar/cal/v2"
)

// listenerTier classifies how critical a subscription is and therefore when
// the manager may pause it.
type listenerTier int

const (
	// foregroundTier subscriptions run only while the rider UI is visible
	foregroundTier listenerTier = iota
	// backgroundTier subscriptions may run while the app is backgrounded but
	// not outside active hours
	backgroundTier
	// criticalTier subscriptions are never paused by the manager, reserved
	// for the notification-triggering stop subscription
	criticalTier
)

// String - Stringer interface for listenerTier
func (t listenerTier) String() string {
	switch t {
	case foregroundTier:
		return "foreground"
	case backgroundTier:
		return "background"
	case criticalTier:
		return "critical"
	}
	return "unknown"
}

// activeHoursWindow is the local-time window during which non-critical
// subscriptions are permitted to run, [startHour, endHour). Built on a
// business calendar with every day of the week marked as a service day.
type activeHoursWindow struct {
	calendar *cal.BusinessCalendar
}

// makeActiveHoursWindow builds the window for [startHour, endHour) local time
func makeActiveHoursWindow(startHour int, endHour int) *activeHoursWindow {
	calendar := cal.NewBusinessCalendar()
	for day := time.Sunday; day <= time.Saturday; day++ {
		calendar.SetWorkday(day, true)
	}
	calendar.SetWorkHours(time.Duration(startHour)*time.Hour, time.Duration(endHour)*time.Hour)
	return &activeHoursWindow{calendar: calendar}
}

// contains returns true when at falls inside the active-hours window
func (w *activeHoursWindow) contains(at time.Time) bool {
	return w.calendar.IsWorkTime(at)
}

// listenerRegistration tracks one live subscription and the handle that
// deactivates it
type listenerRegistration struct {
	id         string
	tier       listenerTier
	deactivate func()
	active     bool
}

// listenerManager supervises all live subscriptions, tagged by tier, and
// pauses them based on app-foreground state and the active-hours window.
// The manager never recreates subscriptions itself, it signals the owner to
// re-subscribe when a tier should resume.
type listenerManager struct {
	log    *logger.Logger
	window *activeHoursWindow

	mu            sync.Mutex
	registrations map[listenerTier]map[string]*listenerRegistration
	appForeground bool
	inWindow      bool

	resumeC chan struct{}

	metrics *metricsCollector
}

// makeListenerManager builds a listenerManager. The initial in-window state
// is taken from now so registrations made before the first hour-boundary
// check start in the right state.
func makeListenerManager(log *logger.Logger,
	window *activeHoursWindow,
	metrics *metricsCollector,
	now time.Time) *listenerManager {
	return &listenerManager{
		log:    log,
		window: window,
		registrations: map[listenerTier]map[string]*listenerRegistration{
			foregroundTier: make(map[string]*listenerRegistration),
			backgroundTier: make(map[string]*listenerRegistration),
			criticalTier:   make(map[string]*listenerRegistration),
		},
		appForeground: true,
		inWindow:      window.contains(now),
		resumeC:       make(chan struct{}, 1),
		metrics:       metrics,
	}
}

// register stores a subscription handle under id and tier and returns its
// unregister function. If the manager's current state says the tier should
// not be running the deactivate function is invoked exactly once before
// register returns, so the registration starts paused. A given id is active
// in at most one tier at a time, re-registering an id deactivates the
// previous handle rather than leaking it.
func (m *listenerManager) register(id string, tier listenerTier, deactivate func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, registry := range m.registrations {
		if previous, present := registry[id]; present {
			m.deactivateRegistration(previous)
			delete(registry, id)
		}
	}

	registration := &listenerRegistration{
		id:         id,
		tier:       tier,
		deactivate: deactivate,
		active:     true,
	}
	if !m.tierShouldRun(tier) {
		m.deactivateRegistration(registration)
	}
	m.registrations[tier][id] = registration
	m.updateListenerGauges()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, present := m.registrations[tier][id]; present && current == registration {
			m.deactivateRegistration(current)
			delete(m.registrations[tier], id)
			m.updateListenerGauges()
		}
	}
}

// appStateChanged handles a foreground/background transition from the app
// lifecycle signal. Backgrounding deactivates the foreground tier,
// foregrounding signals owners to re-register when inside the active-hours
// window, the paused handles are not resurrected.
func (m *listenerManager) appStateChanged(foreground bool) {
	m.mu.Lock()
	if m.appForeground == foreground {
		m.mu.Unlock()
		return
	}
	m.appForeground = foreground
	if !foreground {
		m.log.Printf("app backgrounded, pausing foreground listeners")
		m.pauseTierLocked(foregroundTier)
		m.updateListenerGauges()
		m.mu.Unlock()
		return
	}
	inWindow := m.inWindow
	m.updateListenerGauges()
	m.mu.Unlock()

	if !inWindow {
		return
	}
	m.log.Printf("app foregrounded, signaling listener owners to resume")
	select {
	case m.resumeC <- struct{}{}:
	default:
	}
}

// pauseTier deactivates every registration in tier. Safe to call twice,
// already-deactivated handles are skipped.
func (m *listenerManager) pauseTier(tier listenerTier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseTierLocked(tier)
	m.updateListenerGauges()
}

// resumeSignal exposes the channel owners select on to learn they should
// re-subscribe after a transition into the active-hours window
func (m *listenerManager) resumeSignal() <-chan struct{} {
	return m.resumeC
}

// checkActiveHours compares window membership at now against the last known
// state. A transition into the window signals owners to re-subscribe, a
// transition out deactivates the foreground and background tiers. Critical
// registrations are untouched under all conditions.
func (m *listenerManager) checkActiveHours(now time.Time) {
	m.mu.Lock()
	inWindow := m.window.contains(now)
	if inWindow == m.inWindow {
		m.mu.Unlock()
		return
	}
	m.inWindow = inWindow
	if !inWindow {
		m.log.Printf("active hours ended, pausing non-critical listeners")
		m.pauseTierLocked(foregroundTier)
		m.pauseTierLocked(backgroundTier)
		m.updateListenerGauges()
		m.mu.Unlock()
		return
	}
	m.log.Printf("active hours started, signaling listener owners to resume")
	m.mu.Unlock()

	select {
	case m.resumeC <- struct{}{}:
	default:
	}
}

// runActiveHoursLoop checks for hour-boundary transitions until shutdown
func (m *listenerManager) runActiveHoursLoop(wg *sync.WaitGroup, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-shutdownSignal:
			m.log.Printf("exiting active hours loop on shutdown signal")
			return
		case now := <-ticker.C:
			m.checkActiveHours(now)
		}
	}
}

// activeCount returns the number of active registrations in tier
func (m *listenerManager) activeCount(tier listenerTier) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, registration := range m.registrations[tier] {
		if registration.active {
			count++
		}
	}
	return count
}

// tierShouldRun reports whether registrations in tier should currently be
// active. Callers hold m.mu.
func (m *listenerManager) tierShouldRun(tier listenerTier) bool {
	switch tier {
	case criticalTier:
		return true
	case backgroundTier:
		return m.inWindow
	case foregroundTier:
		return m.inWindow && m.appForeground
	}
	return false
}

// pauseTierLocked deactivates every active registration in tier. Callers
// hold m.mu.
func (m *listenerManager) pauseTierLocked(tier listenerTier) {
	if tier == criticalTier {
		return
	}
	for _, registration := range m.registrations[tier] {
		m.deactivateRegistration(registration)
	}
}

// deactivateRegistration invokes the handle's deactivate function at most
// once. Callers hold m.mu.
func (m *listenerManager) deactivateRegistration(registration *listenerRegistration) {
	if !registration.active {
		return
	}
	registration.active = false
	registration.deactivate()
}

// updateListenerGauges refreshes the per-tier active listener gauges.
// Callers hold m.mu.
func (m *listenerManager) updateListenerGauges() {
	if m.metrics == nil {
		return
	}
	for tier, registry := range m.registrations {
		count := 0
		for _, registration := range registry {
			if registration.active {
				count++
			}
		}
		m.metrics.ActiveListeners.WithLabelValues(tier.String()).Set(float64(count))
	}
}
