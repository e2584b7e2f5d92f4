// Package events publishes device and action lifecycle events as
// CloudEvents on NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	TypeDeviceRegistered = "device.registered"
	TypeDeviceDeleted    = "device.deleted"
	TypeActionQueued     = "action.queued"
	TypeActionDispatched = "action.dispatched"
	TypeActionCompleted  = "action.completed"
	TypeActionExpired    = "action.expired"

	subjectPrefix = "deployflow.events."
	source        = "deployflow/server"
	typePrefix    = "io.deployflow."
)

// Event is a lifecycle notification. Data must be JSON-serialisable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CloudEvent is the JSON envelope written to the stream.
type CloudEvent struct {
	SpecVersion     string     `json:"specversion"`
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            string     `json:"type"`
	DataContentType string     `json:"datacontenttype"`
	Subject         string     `json:"subject"`
	Time            *time.Time `json:"time,omitempty"`
	Data            any        `json:"data,omitempty"`
}

// Publisher is implemented by JetStream, Noop and Recorder.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Envelope wraps ev in a CloudEvent with a fresh id.
func Envelope(ev Event) CloudEvent {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          source,
		Type:            typePrefix + ev.Type,
		DataContentType: "application/json",
		Subject:         subjectPrefix + ev.Type,
		Time:            &ts,
		Data:            ev.Data,
	}
}

// JetStreamPublisher writes events to a JetStream stream it creates on
// demand.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger zerolog.Logger
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, natsURL, stream string, logger zerolog.Logger, opts ...nats.Option) (*JetStreamPublisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	opts = append([]nats.Option{
		nats.Name("deployflow-server"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{subjectPrefix + ">"},
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
		}
		logger.Info().Str("stream", stream).Msg("Created JetStream stream")
	}

	return &JetStreamPublisher{nc: nc, js: js, stream: stream, logger: logger}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, ev Event) error {
	ce := Envelope(ev)
	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	ack, err := p.js.Publish(ctx, ce.Subject, data)
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	p.logger.Debug().Str("event_id", ce.ID).Str("subject", ce.Subject).Uint64("seq", ack.Sequence).Msg("Published event")
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []CloudEvent
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, Envelope(ev))
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the short type of each recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ce := range r.events {
		out = append(out, ce.Type[len(typePrefix):])
	}
	return out
}

func (r *Recorder) Events() []CloudEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CloudEvent(nil), r.events...)
}
