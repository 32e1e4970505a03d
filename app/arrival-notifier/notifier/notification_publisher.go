package notifier

import (
	"encoding/json"
	"fmt"
	logger "log"

	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/business/data/ridernotify"
)

// notificationDestination is where notifications should be sent for
// delivery. The returned delivery id is used for logging only, delivery is
// fire-and-forget.
type notificationDestination interface {
	Deliver(message *ridernotify.Message) (string, error)
}

// natsNotificationDestination hands notifications to the push gateway over
// nats
type natsNotificationDestination struct {
	natsConn *nats.Conn
	subject  string
}

func (n *natsNotificationDestination) Deliver(message *ridernotify.Message) (string, error) {
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

// notificationPublisher builds rider notifications and hands them to the
// delivery destination
type notificationPublisher struct {
	log         *logger.Logger
	destination notificationDestination
	metrics     *metricsCollector
}

// makeNotificationPublisher builds notificationPublisher
func makeNotificationPublisher(log *logger.Logger,
	destination notificationDestination,
	metrics *metricsCollector) *notificationPublisher {
	return &notificationPublisher{
		log:         log,
		destination: destination,
		metrics:     metrics,
	}
}

// fire builds the message for kind and delivers it. A delivery failure is
// logged and counted but not retried, the dedup mark has already been
// persisted so a failed delivery stays a tolerable missed notification
// rather than a resend storm.
func (p *notificationPublisher) fire(kind ridernotify.Kind, routeId string, stopName string, day string) {
	message := ridernotify.BuildMessage(kind, routeId, stopName, day)
	deliveryId, err := p.destination.Deliver(message)
	if err != nil {
		p.log.Printf("error delivering %s notification for route %s: %v", kind, routeId, err)
		if p.metrics != nil {
			p.metrics.DeliveryErrors.Inc()
		}
		return
	}
	p.log.Printf("delivered %s notification for route %s stop %s, delivery id %s",
		kind, routeId, stopName, deliveryId)
	if p.metrics != nil {
		p.metrics.NotificationsFired.WithLabelValues(string(kind)).Inc()
	}
}
