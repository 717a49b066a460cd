package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sink forwards progress events to an external listener.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to a zap logger at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs events.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, ev Event) error {
	s.logger.Info("progress event",
		zap.String("token", ev.Token),
		zap.String("session_id", ev.SessionID),
		zap.String("stage", ev.Stage),
		zap.String("step", ev.Step),
		zap.Float64("percent", ev.Percent),
		zap.String("message", ev.Message),
	)
	return nil
}

// ChannelSink delivers events to a channel, for in-process consumers like
// the TUI dashboard. Sends never block: when the consumer falls behind,
// events are dropped rather than stalling the run.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Publish implements Sink.
func (s *ChannelSink) Publish(_ context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
		return nil // consumer behind, drop
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the event channel. Publish must not be called after Close.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// NATSSink publishes events as JSON to a per-token NATS subject:
//
//	{prefix}.{token}
//
// External listeners subscribe to the subject for the token they supplied
// when starting the run.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink creates a NATS-backed sink.
func NewNATSSink(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = "containerassist.progress"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{nc: nc, prefix: subjectPrefix, logger: logger}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	if ev.Token == "" {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	subject := s.prefix + "." + sanitizeToken(ev.Token)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}

	return nil
}

// sanitizeToken maps a caller-supplied token onto the NATS subject
// alphabet. Tokens are opaque, so the mapping only has to be stable.
func sanitizeToken(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '-'
		}
		return r
	}, token)
}

// MultiSink fans events out to several sinks. Publish returns the joined
// errors but still attempts every sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that forwards to all given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish implements Sink.
func (s *MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
