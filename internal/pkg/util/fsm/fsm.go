// Package fsm adapts error-returning functions to looplab/fsm callbacks.
package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent turns fn into a callback that records a returned error on the event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// WrapGuard turns a predicate into a before_ callback that cancels the transition when it is false.
func WrapGuard(allow func(ctx context.Context, event *fsm.Event) bool) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if !allow(ctx, event) {
			event.Cancel(fsm.NoTransitionError{})
		}
	}
}

// WrapNotify turns a side effect without failure into a callback.
func WrapNotify(fn func(from, to string)) fsm.Callback {
	return func(_ context.Context, event *fsm.Event) {
		fn(event.Src, event.Dst)
	}
}
