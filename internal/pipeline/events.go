// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/lumiderm/lumiderm/internal/logging"
)

// TopicAnalysisCompleted carries one event per finished analysis to the
// observability consumer.
const TopicAnalysisCompleted = "analysis.completed"

// CompletedEvent is the observability payload for one analysis. Schema is
// internal; the external collector boundary is the consumer's log/metric
// output.
type CompletedEvent struct {
	AnalysisID        uint64    `json:"analysis_id"`
	RequestID         string    `json:"request_id"`
	State             string    `json:"state"`
	LatencyMS         float64   `json:"latency_ms"`
	Conditions        []string  `json:"conditions"`
	TopConfidence     float64   `json:"top_confidence,omitempty"`
	DegradedAnalyzers []string  `json:"degraded_analyzers,omitempty"`
	Matches           int       `json:"matches"`
	MatchesReason     string    `json:"matches_reason,omitempty"`
	Group             string    `json:"group,omitempty"`
	CompletedAt       time.Time `json:"completed_at"`
}

// NewBus creates the in-process Pub/Sub used between the orchestrator and
// the observability consumer.
func NewBus() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NopLogger{})
}

// EventPublisher publishes analysis events. A nil publisher is valid and
// drops events, which keeps the orchestrator testable in isolation.
type EventPublisher struct {
	pub message.Publisher
}

// NewEventPublisher wraps a watermill publisher.
func NewEventPublisher(pub message.Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

// PublishCompleted emits one completed-analysis event. Publish failures
// are logged, never propagated: observability must not fail a request.
func (p *EventPublisher) PublishCompleted(ev *CompletedEvent) {
	if p == nil || p.pub == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Msg("[PIPELINE] Marshal completed event")
		return
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("analysis_id", fmt.Sprintf("%d", ev.AnalysisID))
	msg.Metadata.Set("request_id", ev.RequestID)

	if err := p.pub.Publish(TopicAnalysisCompleted, msg); err != nil {
		logging.Error().Err(err).Msg("[PIPELINE] Publish completed event")
	}
}

// ConsumerService drains analysis events and forwards them to the
// observability sink as structured logs. Implements suture.Service.
type ConsumerService struct {
	sub message.Subscriber
}

// NewConsumerService creates the observability event consumer.
func NewConsumerService(sub message.Subscriber) *ConsumerService {
	return &ConsumerService{sub: sub}
}

// Serve consumes events until the context is cancelled.
func (s *ConsumerService) Serve(ctx context.Context) error {
	ch, err := s.sub.Subscribe(ctx, TopicAnalysisCompleted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicAnalysisCompleted, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg)
		}
	}
}

func (s *ConsumerService) handle(msg *message.Message) {
	defer msg.Ack()

	var ev CompletedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logging.Error().Err(err).Str("message", msg.UUID).Msg("[EVENTS] Malformed completed event")
		return
	}

	logging.Info().
		Uint64("analysis_id", ev.AnalysisID).
		Str("request_id", ev.RequestID).
		Str("state", ev.State).
		Float64("latency_ms", ev.LatencyMS).
		Strs("conditions", ev.Conditions).
		Float64("top_confidence", ev.TopConfidence).
		Strs("degraded", ev.DegradedAnalyzers).
		Int("matches", ev.Matches).
		Msg("[EVENTS] Analysis completed")
}

func (s *ConsumerService) String() string { return "analysis-event-consumer" }
