// Package ridernotify decides which proximity notification, if any, a rider
// should receive and ensures each is delivered at most once per route per
// day.
package ridernotify

import "fmt"

// Kind is one of the closed set of proximity notification categories. Each
// kind is keyed by route and day, created the first time its triggering
// condition is met and reset at local midnight or when the rider's
// assignment changes.
type Kind string

const (
	TwoAway   Kind = "two_away"
	OneAway   Kind = "one_away"
	Arrived   Kind = "arrived"
	PassedOne Kind = "passed_one"
	PassedTwo Kind = "passed_two"
)

// KindForDiff maps the difference between the rider's stop index and the
// highest reached index to a notification kind. Only the kind implied by the
// current diff is evaluated, any other diff produces no notification.
func KindForDiff(diff int) (Kind, bool) {
	switch diff {
	case 2:
		return TwoAway, true
	case 1:
		return OneAway, true
	case 0:
		return Arrived, true
	case -1:
		return PassedOne, true
	case -2:
		return PassedTwo, true
	}
	return "", false
}

// Message is a notification handed to the delivery service. The delivery id
// returned by the service is used for logging only.
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	Priority string            `json:"priority"`
	DedupKey string            `json:"dedup_key"`
}

// BuildMessage creates the delivery Message for a notification kind. day is
// the local date in yyyy-mm-dd form used to scope the dedup key.
func BuildMessage(kind Kind, routeId string, stopName string, day string) *Message {
	message := Message{
		Data: map[string]string{
			"route": routeId,
			"stop":  stopName,
			"kind":  string(kind),
		},
		Priority: "default",
		DedupKey: fmt.Sprintf("%s:%s:%s", routeId, day, kind),
	}
	switch kind {
	case TwoAway:
		message.Title = "Bus update"
		message.Body = fmt.Sprintf("Your bus is 2 stops away from %s", stopName)
	case OneAway:
		message.Title = "Bus approaching"
		message.Body = fmt.Sprintf("Your bus is 1 stop away from %s", stopName)
		message.Priority = "high"
	case Arrived:
		message.Title = "Bus arriving"
		message.Body = fmt.Sprintf("Your bus is arriving at %s", stopName)
		message.Priority = "high"
	case PassedOne:
		message.Title = "Bus update"
		message.Body = fmt.Sprintf("Your bus has passed %s", stopName)
	case PassedTwo:
		message.Title = "Bus update"
		message.Body = fmt.Sprintf("Your bus passed %s two stops ago", stopName)
	}
	return &message
}
