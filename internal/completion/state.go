package completion

import (
	"context"
	"fmt"

	"github.com/howard-nolan/llmbridge/internal/provider"
)

// streamState tracks one streaming call:
//
//	Idle -> Requesting -> Streaming -> Completed
//	             |            |
//	             +-> Failed <-+
type streamState int

const (
	stateIdle streamState = iota
	stateRequesting
	stateStreaming
	stateCompleted
	stateFailed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRequesting:
		return "requesting"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("streamState(%d)", int(s))
	}
}

var transitions = map[streamState][]streamState{
	stateIdle:       {stateRequesting},
	stateRequesting: {stateStreaming, stateFailed},
	stateStreaming:  {stateCompleted, stateFailed},
}

// terminal reports whether no further chunk may be delivered.
func (s streamState) terminal() bool {
	return s == stateCompleted || s == stateFailed
}

// guard enforces the stream contract on top of an adapter channel. It is
// owned by a single goroutine at a time and needs no locking.
type guard struct {
	state streamState
}

// advance moves to next and reports whether the move was legal. An illegal
// move leaves the state unchanged.
func (g *guard) advance(next streamState) bool {
	for _, allowed := range transitions[g.state] {
		if allowed == next {
			g.state = next
			return true
		}
	}
	return false
}

// run forwards chunks from in to out until the stream reaches a terminal
// state, then drains in so the producer can exit. It returns the error
// that ended the stream, or nil after a final chunk.
//
// Anything the producer sends after its final or error chunk is dropped.
// A producer that closes in without either is reported as an unknown
// ProviderError wrapping provider.ErrIncompleteStream.
func (g *guard) run(ctx context.Context, providerID string, in <-chan provider.StreamChunk, out chan<- provider.StreamChunk) error {
	var streamErr error

	for chunk := range in {
		if g.state.terminal() {
			continue
		}

		switch {
		case chunk.Err != nil:
			g.advance(stateFailed)
			streamErr = chunk.Err
		case chunk.Final:
			g.advance(stateCompleted)
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			g.advance(stateFailed)
			streamErr = ctx.Err()
		}
	}

	if g.state == stateStreaming {
		g.advance(stateFailed)
		streamErr = &provider.ProviderError{
			Kind:     provider.KindUnknown,
			Provider: providerID,
			Message:  "stream closed without a final chunk",
			Err:      provider.ErrIncompleteStream,
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case out <- provider.StreamChunk{Err: streamErr}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return streamErr
}
