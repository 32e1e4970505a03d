// Package poller implements the one-shot background tasks the OS scheduler
// runs while the app is not in the foreground. Each invocation must finish
// quickly and release every resource before returning, so tasks perform
// single bounded reads and never open standing subscriptions.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	logger "log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
	"github.com/ridewatch/ridewatch/business/data/route"
)

const (
	lastSampleKeyPrefix = "ridewatch:poll:lastsample:"
	alertWatermarkKey   = "ridewatch:poll:alerts"
)

// Conf contains all configurable parameters of the poll tasks
type Conf struct {
	RouteId     string
	ReadTimeout time.Duration
}

// pollStore is the narrow read surface the tasks need from the document
// store
type pollStore interface {
	latestVehicleSample(ctx context.Context, routeId string) (*route.VehicleSample, error)
	alertsSince(ctx context.Context, since time.Time) ([]route.AdminAlert, error)
}

// sqlPollStore reads from the relational store
type sqlPollStore struct {
	db *sqlx.DB
}

func (s *sqlPollStore) latestVehicleSample(ctx context.Context, routeId string) (*route.VehicleSample, error) {
	return route.LatestVehicleSample(ctx, s.db, routeId)
}

func (s *sqlPollStore) alertsSince(ctx context.Context, since time.Time) ([]route.AdminAlert, error) {
	return route.AlertsSince(ctx, s.db, since)
}

// alertDestination is where admin alert notifications are sent for delivery
type alertDestination interface {
	Deliver(message *ridernotify.Message) (string, error)
}

// natsAlertDestination hands alert notifications to the push gateway over
// nats
type natsAlertDestination struct {
	natsConn *nats.Conn
	subject  string
}

func (n *natsAlertDestination) Deliver(message *ridernotify.Message) (string, error) {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("error marshaling notification to json: %w", err)
	}
	err = n.natsConn.Publish(n.subject, jsonData)
	if err != nil {
		return "", err
	}
	return message.DedupKey, nil
}

// RunPollTasks performs both one-shot poll tasks and returns an error when
// either failed, so the process exit status reports the failure to the OS
// scheduler.
func RunPollTasks(log *logger.Logger,
	db *sqlx.DB,
	kv ridernotify.KeyValue,
	natsConn *nats.Conn,
	notifySubject string,
	conf Conf) error {

	store := sqlPollStore{db: db}
	destination := natsAlertDestination{natsConn: natsConn, subject: notifySubject}

	newData, locationErr := runLocationPollTask(log, &store, kv, conf)
	if locationErr != nil {
		log.Printf("location poll task failed: %v", locationErr)
	} else if newData {
		log.Printf("location poll task found new data")
	} else {
		log.Printf("location poll task found no new data")
	}

	delivered, alertsErr := runAdminAlertsPollTask(log, &store, kv, &destination, conf)
	if alertsErr != nil {
		log.Printf("admin alerts poll task failed: %v", alertsErr)
	} else {
		log.Printf("admin alerts poll task delivered %d alerts", delivered)
	}

	if locationErr != nil {
		return locationErr
	}
	return alertsErr
}

// runLocationPollTask reads the latest persisted vehicle sample once and
// reports whether it is newer than the persisted watermark. The read carries
// an explicit deadline so a store that never responds cannot leak the
// handle past the task's execution window.
func runLocationPollTask(log *logger.Logger,
	store pollStore,
	kv ridernotify.KeyValue,
	conf Conf) (bool, error) {

	ctx, cancel := context.WithTimeout(context.Background(), conf.ReadTimeout)
	defer cancel()

	sample, err := store.latestVehicleSample(ctx, conf.RouteId)
	if err != nil {
		return false, fmt.Errorf("reading latest vehicle sample: %w", err)
	}
	if sample == nil {
		return false, nil
	}

	watermarkKey := lastSampleKeyPrefix + conf.RouteId
	watermark, err := kv.Get(ctx, watermarkKey)
	if err != nil {
		return false, fmt.Errorf("reading sample watermark: %w", err)
	}
	if watermark != "" {
		lastSeen, err := time.Parse(time.RFC3339Nano, watermark)
		if err != nil {
			log.Printf("discarding unparseable sample watermark %q: %v", watermark, err)
		} else if !sample.Timestamp.After(lastSeen) {
			return false, nil
		}
	}

	err = kv.Set(ctx, watermarkKey, sample.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("advancing sample watermark: %w", err)
	}
	return true, nil
}

// runAdminAlertsPollTask reads alerts newer than the persisted last-seen
// timestamp and delivers one notification per alert, advancing the
// watermark only after each successful delivery so a failed delivery is
// retried on the next invocation.
func runAdminAlertsPollTask(log *logger.Logger,
	store pollStore,
	kv ridernotify.KeyValue,
	destination alertDestination,
	conf Conf) (int, error) {

	ctx, cancel := context.WithTimeout(context.Background(), conf.ReadTimeout)
	defer cancel()

	var lastSeen time.Time
	watermark, err := kv.Get(ctx, alertWatermarkKey)
	if err != nil {
		return 0, fmt.Errorf("reading alert watermark: %w", err)
	}
	if watermark != "" {
		lastSeen, err = time.Parse(time.RFC3339Nano, watermark)
		if err != nil {
			log.Printf("discarding unparseable alert watermark %q: %v", watermark, err)
			lastSeen = time.Time{}
		}
	}

	alerts, err := store.alertsSince(ctx, lastSeen)
	if err != nil {
		return 0, fmt.Errorf("reading admin alerts: %w", err)
	}

	delivered := 0
	for _, alert := range alerts {
		deliveryId, err := destination.Deliver(alertMessage(&alert))
		if err != nil {
			return delivered, fmt.Errorf("delivering alert %d: %w", alert.Id, err)
		}
		log.Printf("delivered admin alert %d, delivery id %s", alert.Id, deliveryId)
		err = kv.Set(ctx, alertWatermarkKey, alert.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return delivered, fmt.Errorf("advancing alert watermark: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

// alertMessage builds the delivery message for one admin alert
func alertMessage(alert *route.AdminAlert) *ridernotify.Message {
	return &ridernotify.Message{
		Title:    alert.Title,
		Body:     alert.Body,
		Data:     map[string]string{"alert_id": fmt.Sprintf("%d", alert.Id)},
		Priority: "default",
		DedupKey: fmt.Sprintf("alert:%d", alert.Id),
	}
}
