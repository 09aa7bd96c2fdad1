// Package notify delivers user-facing messages for trip lifecycle
// events. Delivery transport and content rendering live behind the
// Notifier interface; this package only decides who hears about what.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/bus"
)

// Notifier delivers one message to one user.
type Notifier interface {
	Notify(ctx context.Context, userID, subject, body string) error
}

// HTTPNotifier posts JSON notification payloads to a delivery backend.
type HTTPNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, userID, subject, body string) error {
	payload := map[string]string{"user_id": userID, "subject": subject, "body": body}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// LogNotifier is the no-backend fallback: messages land in the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID, subject, body string) error {
	n.Logger.Info("notification", "user_id", userID, "subject", subject, "body", body)
	return nil
}

// Router maps bus events to notifications. Delivery failures are
// logged and swallowed: a missed message never blocks dispatch.
type Router struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewRouter(notifier Notifier, logger *slog.Logger) *Router {
	return &Router{notifier: notifier, logger: logger}
}

// Register subscribes the router to every user-visible event.
func (r *Router) Register(s interface {
	Subscribe(t bus.EventType, h bus.Handler)
}) {
	s.Subscribe(bus.TripCreated, r.handle)
	s.Subscribe(bus.InviteDriver, r.handle)
	s.Subscribe(bus.DriverAccepted, r.handle)
	s.Subscribe(bus.TripStarted, r.handle)
	s.Subscribe(bus.TripCompleted, r.handle)
	s.Subscribe(bus.TripCancelled, r.handle)
}

func (r *Router) handle(ctx context.Context, e bus.Event) error {
	switch e.Type {
	case bus.TripCreated:
		r.send(ctx, e.PassengerID, "Trip booked", "Your trip request was received and we are finding a driver.")
	case bus.InviteDriver:
		r.send(ctx, e.DriverID, "New trip available", "A passenger nearby requested a trip. Check your app to accept it.")
	case bus.DriverAccepted:
		r.send(ctx, e.PassengerID, "Driver on the way", "A driver accepted your trip and is heading to the pickup point.")
	case bus.TripStarted:
		r.send(ctx, e.PassengerID, "Trip started", "Your trip is under way.")
	case bus.TripCompleted:
		r.send(ctx, e.PassengerID, "Trip completed", "Thanks for riding with us. Please rate your driver.")
		r.send(ctx, e.DriverID, "Trip completed", "Trip finished. You are back online for new requests.")
	case bus.TripCancelled:
		if e.AutoCancel {
			r.send(ctx, e.PassengerID, "Trip cancelled", "No driver accepted your trip. Please try booking again.")
		} else {
			r.send(ctx, e.PassengerID, "Trip cancelled", "Your trip was cancelled.")
			if e.DriverID != "" {
				r.send(ctx, e.DriverID, "Trip cancelled", "The trip was cancelled. You can wait for a new request.")
			}
		}
	}
	return nil
}

func (r *Router) send(ctx context.Context, userID, subject, body string) {
	if userID == "" {
		return
	}
	if err := r.notifier.Notify(ctx, userID, subject, body); err != nil {
		r.logger.Warn("notification delivery failed", "user_id", userID, "subject", subject, "error", err)
	}
}
