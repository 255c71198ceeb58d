package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler logs recovered panics with their stack so one bad goroutine
// does not take the whole gateway down
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover must be deferred directly. onPanic, when set, runs after the panic was logged.
func (ph *PanicHandler) Recover(component string, onPanic func(interface{})) {
	r := recover()
	if r == nil {
		return
	}

	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": r,
		"caller":      callerOf(3),
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")

	if onPanic == nil {
		return
	}
	defer func() {
		if cbPanic := recover(); cbPanic != nil {
			ph.logger.WithFields(logrus.Fields{
				"component":      component,
				"callback_panic": cbPanic,
			}).Error("Panic in panic recovery callback")
		}
	}()
	onPanic(r)
}

// Go starts fn in a goroutine with panic recovery
func (ph *PanicHandler) Go(component string, fn func()) {
	go func() {
		defer ph.Recover(component, nil)
		fn()
	}()
}

func callerOf(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fmt.Sprintf("%s:%d %s", file, line, fn.Name())
	}
	return fmt.Sprintf("%s:%d", file, line)
}
