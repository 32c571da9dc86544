package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
)

// ResultPublisher sends batch results downstream.
type ResultPublisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) error
}

// PubSubHandler handles Pub/Sub messages for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	publisher        *pubsub.Publisher
	subscriptionName string
	job              *BatchJob
	results          ResultPublisher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	// ResultTopic receives one BatchResult per optimize job. Results are
	// only logged when it is empty.
	ResultTopic string
	Job         *BatchJob
	Logger      zerolog.Logger
}

// disposition tells whether a message is done or should be redelivered.
type disposition int

const (
	ack disposition = iota
	nack
)

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Configure receive settings.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	h := &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		job:              cfg.Job,
		logger:           cfg.Logger,
	}
	if cfg.ResultTopic != "" {
		h.publisher = client.Publisher(cfg.ResultTopic)
		h.results = &topicPublisher{publisher: h.publisher}
	}
	return h, nil
}

// Start begins processing Pub/Sub messages. It blocks until ctx is done.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close flushes pending results and closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	if h.publisher != nil {
		h.publisher.Stop()
	}
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	if h.dispatch(ctx, logger, msg.Data) == nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

// dispatch runs the job in data. Unknown job types and jobs that can never
// succeed are acked; malformed payloads and transient failures are nacked.
func (h *PubSubHandler) dispatch(ctx context.Context, logger zerolog.Logger, data []byte) disposition {
	startTime := time.Now()

	logger.Debug().Msg("received pubsub message")

	var jobMsg JobMessage
	if err := json.Unmarshal(data, &jobMsg); err != nil {
		logger.Error().Err(err).Msg("failed to parse message")
		return nack
	}

	var err error
	switch jobMsg.JobType {
	case JobOptimizeSequence:
		err = h.handleOptimize(ctx, jobMsg)
	case JobHealthCheck:
		err = h.handleHealthCheck(ctx)
	default:
		logger.Warn().Str("job_type", jobMsg.JobType).Msg("unknown job type")
		return ack // prevent redelivery
	}

	switch {
	case errors.Is(err, ErrTooManyPlans):
		logger.Error().Err(err).Str("request_id", jobMsg.RequestID).Msg("rejected job")
		return ack
	case err != nil:
		logger.Error().Err(err).Str("job_type", jobMsg.JobType).Msg("job failed")
		return nack
	}

	logger.Info().
		Str("job_type", jobMsg.JobType).
		Str("request_id", jobMsg.RequestID).
		Dur("duration", time.Since(startTime)).
		Msg("job completed successfully")
	return ack
}

func (h *PubSubHandler) handleOptimize(ctx context.Context, msg JobMessage) error {
	result, err := h.job.Run(ctx, msg)
	if err != nil {
		return err
	}

	if h.results == nil {
		h.logger.Info().
			Str("request_id", msg.RequestID).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Msg("no result topic configured, dropping batch result")
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding batch result: %w", err)
	}
	if err := h.results.Publish(ctx, data, map[string]string{
		"job_type":   JobOptimizeSequence,
		"request_id": msg.RequestID,
	}); err != nil {
		return fmt.Errorf("publishing batch result: %w", err)
	}
	return nil
}

// healthCheckPlan is a small fixed trip with a pinned destination.
var healthCheckPlan = []stops.Stop{
	{ID: "start", Coordinate: routing.Coordinate{Lat: 52.3676, Lon: 4.9041}},
	{ID: "via", Coordinate: routing.Coordinate{Lat: 52.0907, Lon: 5.1214}},
	{ID: "end", Coordinate: routing.Coordinate{Lat: 51.9244, Lon: 4.4777}},
}

func (h *PubSubHandler) handleHealthCheck(ctx context.Context) error {
	h.logger.Debug().Msg("running health check")

	store, err := stops.NewStoreFrom(healthCheckPlan)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := h.job.planners(routing.ProfileDriving, true).Optimize(ctx, store.Snapshot())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if res.Degraded {
		return fmt.Errorf("health check degraded: %s", res.DegradedReason)
	}

	h.logger.Debug().Msg("health check passed")
	return nil
}

type topicPublisher struct {
	publisher *pubsub.Publisher
}

func (p *topicPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) error {
	res := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	_, err := res.Get(ctx)
	return err
}
