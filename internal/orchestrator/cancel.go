package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned when a turn is abandoned at a checkpoint. It is a
// silent unwind, not a failure.
var ErrCancelled = errors.New("turn cancelled")

// Stage names a cancellation checkpoint in a turn.
type Stage string

const (
	StageContext    Stage = "context"
	StageGenerate   Stage = "generate"
	StageRespond    Stage = "respond"
	StageSynthesize Stage = "synthesize"
	StageDeliver    Stage = "deliver"
)

// CancelToken is a cooperative cancellation flag shared by one session's
// turn and its background synthesis. A nil token is never cancelled.
type CancelToken struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewCancelToken returns a live token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token and cancels contexts derived with Context. The
// next checkpoint unwinds.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.once.Do(func() {
		if t.done != nil {
			close(t.done)
		}
	})
}

// Context returns a child of parent that is also cancelled by Cancel.
func (t *CancelToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if t == nil || t.done == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Checkpoint returns an error wrapping ErrCancelled if the token is cancelled.
func (t *CancelToken) Checkpoint(stage Stage) error {
	if t.Cancelled() {
		return fmt.Errorf("%w before %s", ErrCancelled, stage)
	}
	return nil
}
