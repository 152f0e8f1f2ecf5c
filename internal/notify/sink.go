package notify

import (
	"context"
	"errors"

	"mirrorbot/internal/logger"

	"github.com/dustin/go-humanize"
)

// Sink delivers events to the chat transport.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogSink writes events to the log.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Notify(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindProgress:
		s.log.Debugw("progress",
			"task", ev.TaskID,
			"status", ev.Status,
			"done", humanize.IBytes(uint64(max(ev.BytesDone, 0))),
			"total", humanize.IBytes(uint64(max(ev.BytesTotal, 0))),
			"rate", humanize.IBytes(uint64(max(ev.RateBytesPerSec, 0)))+"/s",
		)
	default:
		fields := []interface{}{"task", ev.TaskID, "requester", ev.RequesterRef, "status", ev.Status}
		if ev.Previous != "" {
			fields = append(fields, "from", ev.Previous)
		}
		if ev.BytesTotal > 0 {
			fields = append(fields, "size", humanize.IBytes(uint64(ev.BytesTotal)))
		}
		if ev.ResultRef != "" {
			fields = append(fields, "result", ev.ResultRef)
		}
		if ev.ErrorDetail != "" {
			fields = append(fields, "error", ev.ErrorDetail)
			s.log.Warnw("task "+string(ev.Kind), fields...)
			return nil
		}
		s.log.Infow("task "+string(ev.Kind), fields...)
	}
	return nil
}

// ChannelSink hands events to an in-process consumer. Notify blocks until the
// consumer takes the event or ctx ends.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (s *ChannelSink) Notify(ctx context.Context, ev Event) error {
	select {
	case s.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
