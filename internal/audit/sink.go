package audit

import (
	"context"
	"errors"
)

// EventSink receives classified events. Delivery is at-least-once: the same
// event can arrive again after a restart, so implementations should tolerate
// duplicates. The core does not retry or buffer a failed call.
type EventSink interface {
	OnMessage(ctx context.Context, event MessageEvent) error
	OnFile(ctx context.Context, event FileEvent) error
}

// MultiSink delivers every event to each sink in order. A failing sink does
// not keep the others from receiving the event.
type MultiSink []EventSink

func (m MultiSink) OnMessage(ctx context.Context, event MessageEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.OnMessage(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) OnFile(ctx context.Context, event FileEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.OnFile(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit dispatches event to the sink method matching its kind.
func Emit(ctx context.Context, sink EventSink, event Event) error {
	switch event.Kind {
	case EventMessage:
		if event.Message == nil {
			return ErrInvalidInput
		}
		return sink.OnMessage(ctx, *event.Message)
	case EventFile:
		if event.File == nil {
			return ErrInvalidInput
		}
		return sink.OnFile(ctx, *event.File)
	default:
		return ErrInvalidInput
	}
}
