package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/diwise/resource-broker/pkg/resources"
)

// Notifier delivers entity lifecycle events to an external endpoint.
// Delivery is best effort and asynchronous; the broker never waits for
// subscribers.
type Notifier interface {
	Start() error
	Stop() error

	EntityCreated(ctx context.Context, resource string, rec resources.Record)
	EntityUpdated(ctx context.Context, resource string, rec resources.Record)
	EntityDeleted(ctx context.Context, resource string, rec resources.Record)
}

var tracer = otel.Tracer("resource-broker/notifier")

type action func()

type notifier struct {
	started  bool
	endpoint string
	logger   zerolog.Logger

	queue chan action
}

func NewNotifier(ctx context.Context, endpoint string, logger zerolog.Logger) (Notifier, error) {
	return &notifier{
		endpoint: endpoint,
		logger:   logger,
		queue:    make(chan action, 32),
	}, nil
}

func (n *notifier) Start() error {
	if n.started {
		return fmt.Errorf("already started")
	}

	n.started = true

	go n.run()

	return nil
}

func (n *notifier) Stop() error {
	if n.started {
		// create a result channel so that we can wait for completion
		resultChan := make(chan bool)

		n.queue <- func() {
			// close the queue to signal the consumers that we are going out of business
			close(n.queue)
			resultChan <- true
		}

		// blocking read until our action has been processed
		<-resultChan
	}
	return nil
}

func (n *notifier) EntityCreated(ctx context.Context, resource string, rec resources.Record) {
	n.post(ctx, "entity.created", resource, rec)
}

func (n *notifier) EntityUpdated(ctx context.Context, resource string, rec resources.Record) {
	n.post(ctx, "entity.updated", resource, rec)
}

func (n *notifier) EntityDeleted(ctx context.Context, resource string, rec resources.Record) {
	n.post(ctx, "entity.deleted", resource, rec)
}

func (n *notifier) post(ctx context.Context, event, resource string, rec resources.Record) {
	if !n.started {
		return
	}

	var err error

	_, span := tracer.Start(ctx, "post-notification")

	n.queue <- func() {
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		err = postNotification(event, resource, rec, n.endpoint)
		if err != nil {
			n.logger.Error().Err(err).Str("event", event).Msg("failed to post notification")
		}
	}
}

func (n *notifier) run() {
	for action := range n.queue {
		action()
	}
}

type notification struct {
	Event      string           `json:"event"`
	Resource   string           `json:"resource"`
	NotifiedAt string           `json:"notifiedAt"`
	Data       resources.Record `json:"data"`
}

func postNotification(event, resource string, rec resources.Record, endpoint string) error {
	body, err := json.Marshal(notification{
		Event:      event,
		Resource:   resource,
		NotifiedAt: time.Now().UTC().Format(time.RFC3339),
		Data:       rec,
	})
	if err != nil {
		return fmt.Errorf("marshalling error (%w)", err)
	}

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("unable to create new request (%w)", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification receiver returned status %d", resp.StatusCode)
	}

	return nil
}
