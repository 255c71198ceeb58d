package call

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Dialog states
const (
	StateIdle        = "idle"
	StateActive      = "active"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"
)

const (
	eventAnswer    = "answer"
	eventTerminate = "terminate"
	eventClose     = "close"
)

func newDialogFSM(logger *logrus.Entry) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventAnswer, Src: []string{StateIdle}, Dst: StateActive},
			{Name: eventTerminate, Src: []string{StateIdle, StateActive}, Dst: StateTerminating},
			{Name: eventClose, Src: []string{StateIdle, StateActive, StateTerminating}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.WithFields(logrus.Fields{
					"from":  e.Src,
					"to":    e.Dst,
					"event": e.Event,
				}).Debug("Call state changed")
			},
		},
	)
}

// fire applies a transition; transitions not allowed from the current state are ignored
func (c *Call) fire(event string) bool {
	if !c.state.Can(event) {
		return false
	}
	if err := c.state.Event(context.Background(), event); err != nil {
		c.logger.WithError(err).WithField("event", event).Debug("State transition rejected")
		return false
	}
	return true
}

// State returns the current dialog state
func (c *Call) State() string {
	return c.state.Current()
}
