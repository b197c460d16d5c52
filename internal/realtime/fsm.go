package realtime

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/tripsync/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/tripsync/internal/pkg/util/fsm"
)

// State is the realtime channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
)

const (
	// EventConnect starts an attempt.
	EventConnect = "connect"
	// EventEstablished is fired once the namespace connect is acknowledged.
	EventEstablished = "established"
	// EventFail moves a failed or dropped connection into backoff.
	EventFail = "fail"
	// EventStop disconnects from any state and suppresses reconnects.
	EventStop = "stop"
)

var stateGauge = map[State]float64{
	StateDisconnected: 0,
	StateConnecting:   1,
	StateConnected:    2,
	StateBackoff:      3,
}

type connectionFSM struct {
	*fsm.FSM
}

func newConnectionFSM(onChange func(from, to State)) *connectionFSM {
	f := &connectionFSM{}

	events := fsm.Events{
		{Name: EventConnect, Src: []string{string(StateDisconnected), string(StateBackoff)}, Dst: string(StateConnecting)},
		{Name: EventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: EventFail, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateBackoff)},
		{Name: EventStop, Src: []string{
			string(StateDisconnected), string(StateConnecting), string(StateConnected), string(StateBackoff),
		}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapNotify(func(from, to string) {
			metrics.RealtimeState.Set(stateGauge[State(to)])
			if onChange != nil {
				onChange(State(from), State(to))
			}
		}),
	}

	f.FSM = fsm.NewFSM(string(StateDisconnected), events, callbacks)
	return f
}

// fire triggers event. Self transitions are not errors.
func (f *connectionFSM) fire(ctx context.Context, event string) error {
	err := f.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (f *connectionFSM) state() State {
	return State(f.Current())
}
