// Package notifier runs the arrival detection and notification pipeline for
// one rider assignment: it supervises the store subscriptions, feeds the
// stop ledger, and fires each proximity notification at most once per day.
package notifier

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
)

// Conf contains all configurable parameters in the arrival notifier
type Conf struct {
	RouteId                 string
	RiderStop               string
	StopSubjectPrefix       string
	VehicleSubjectPrefix    string
	NotifySubject           string
	ArrivalRadiusMeters     float64
	JitterThresholdDegrees  float64
	ActiveStartHour         int
	ActiveEndHour           int
	CheckIntervalSeconds    int
	ProbeTimeoutSeconds     int
	ResubscribeDelaySeconds int
	HTTPPort                int
}

// StartArrivalNotifier starts all routines of the arrival pipeline and
// shuts them down after receiving on shutdownSignal
func StartArrivalNotifier(log *logger.Logger,
	db *sqlx.DB,
	natsConn *nats.Conn,
	kv ridernotify.KeyValue,
	shutdownSignal chan os.Signal,
	conf Conf) error {

	log.Println("Creating shared notifier structures")
	metrics := makeMetricsCollector()
	window := makeActiveHoursWindow(conf.ActiveStartHour, conf.ActiveEndHour)
	listeners := makeListenerManager(log, window, metrics, time.Now())
	health := makeHealthMonitor(log, &sqlNatsTransport{db: db, natsConn: natsConn}, healthMonitorConf{
		CheckInterval:    time.Duration(conf.CheckIntervalSeconds) * time.Second,
		ProbeTimeout:     time.Duration(conf.ProbeTimeoutSeconds) * time.Second,
		ProbeAttempts:    3,
		ProbeBackoffStep: time.Second,
		ReconnectBase:    time.Second,
		ReconnectCap:     30 * time.Second,
		WidenAfter:       5,
		WidenMultiplier:  4,
	}, metrics)
	publisher := makeNotificationPublisher(log, &natsNotificationDestination{
		natsConn: natsConn,
		subject:  conf.NotifySubject,
	}, metrics)
	pipeline := makeArrivalPipeline(log, db, natsConn, listeners, publisher, kv, metrics, pipelineConf{
		StopSubjectPrefix:      conf.StopSubjectPrefix,
		VehicleSubjectPrefix:   conf.VehicleSubjectPrefix,
		ResubscribeDelay:       time.Duration(conf.ResubscribeDelaySeconds) * time.Second,
		ArrivalRadiusMeters:    conf.ArrivalRadiusMeters,
		JitterThresholdDegrees: conf.JitterThresholdDegrees,
	})
	log.Println("Done creating shared notifier structures")

	err := pipeline.setAssignment(context.Background(), conf.RouteId, conf.RiderStop)
	if err != nil {
		return fmt.Errorf("loading initial assignment: %w", err)
	}

	wg := sync.WaitGroup{}
	healthShutdown := make(chan bool, 1)
	activeHoursShutdown := make(chan bool, 1)
	pipelineShutdown := make(chan bool, 1)
	webShutdown := make(chan bool, 1)

	log.Println("Starting health monitor")
	go health.run(&wg, healthShutdown)
	log.Println("Starting active hours loop")
	go listeners.runActiveHoursLoop(&wg, activeHoursShutdown)
	log.Println("Starting arrival pipeline")
	go pipeline.run(&wg, pipelineShutdown)
	log.Println("Starting web service")
	go runWebService(log, &wg, pipeline, health, listeners, metrics, conf.HTTPPort, webShutdown)

	<-shutdownSignal
	log.Printf("Exiting on shutdown signal, shutting down subroutines")
	healthShutdown <- true
	activeHoursShutdown <- true
	pipelineShutdown <- true
	webShutdown <- true
	wg.Wait()
	log.Printf("Subroutines shut down, exiting notifier")

	return nil
}
