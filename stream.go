package taxchat

import (
	"context"
	"fmt"
	"iter"

	"github.com/mashiike/taxchat/metadata"
)

type EventKind int

const (
	EventMessageStart EventKind = iota
	EventContentDelta
	EventMessageStop
	EventMetadata
)

func (k EventKind) String() string {
	switch k {
	case EventMessageStart:
		return "message_start"
	case EventContentDelta:
		return "content_delta"
	case EventMessageStop:
		return "message_stop"
	case EventMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// StreamEvent is one event of a backend model call.
type StreamEvent struct {
	Kind       EventKind
	Text       string
	StopReason FinishReason
	Metadata   metadata.Metadata
}

func ContentDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventContentDelta, Text: text}
}

func MessageStop(reason FinishReason) StreamEvent {
	return StreamEvent{Kind: EventMessageStop, StopReason: reason}
}

// EventStream yields backend events in order. A non-nil error ends the stream.
type EventStream = iter.Seq2[StreamEvent, error]

// EventsOf returns a finite EventStream over events, for fakes and tests.
func EventsOf(events ...StreamEvent) EventStream {
	return func(yield func(StreamEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateStreaming
	StreamStateClosed
	StreamStateFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateStreaming:
		return "streaming"
	case StreamStateClosed:
		return "closed"
	case StreamStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// Adapter republishes an EventStream to a ResponseWriter.
type Adapter struct {
	state  StreamState
	reason FinishReason
}

func (a *Adapter) State() StreamState {
	return a.state
}

// Adapt writes every content delta to w as it arrives and finishes w once the
// source completes. Other events produce no output. On a source error or
// context cancellation the adapter fails and w is left unfinished.
func Adapt(ctx context.Context, events EventStream, w ResponseWriter) error {
	var a Adapter
	return a.Run(ctx, events, w)
}

func (a *Adapter) Run(ctx context.Context, events EventStream, w ResponseWriter) error {
	if a.state != StreamStateIdle {
		return fmt.Errorf("adapter is %s", a.state)
	}
	a.state = StreamStateStreaming
	for ev, err := range events {
		if err != nil {
			a.state = StreamStateFailed
			return err
		}
		if err := ctx.Err(); err != nil {
			a.state = StreamStateFailed
			return err
		}
		if err := a.handle(ev, w); err != nil {
			a.state = StreamStateFailed
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		a.state = StreamStateFailed
		return err
	}
	a.state = StreamStateClosed
	if err := w.Finish(a.reason, ""); err != nil {
		return fmt.Errorf("finish response: %w", err)
	}
	return nil
}

func (a *Adapter) handle(ev StreamEvent, w ResponseWriter) error {
	switch ev.Kind {
	case EventContentDelta:
		if ev.Text == "" {
			return nil
		}
		if err := w.WriteDelta(ev.Text); err != nil {
			return fmt.Errorf("write delta: %w", err)
		}
	case EventMessageStop:
		a.reason = ev.StopReason
	case EventMetadata:
		if ev.Metadata != nil {
			w.Metadata().MergeInPlace(ev.Metadata)
		}
	}
	return nil
}
