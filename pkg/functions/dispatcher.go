package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// ToolSpec is the schema of a callable tool as announced to the AI session
type ToolSpec struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// FunctionCall is one tool invocation requested by the AI
type FunctionCall struct {
	// ID correlates the output with the request in the AI session
	ID        string
	Name      string
	Arguments string

	CallKey string
	Caller  string
	Profile *config.CallProfile
}

// Action is a side effect on the call itself that the AI bridge must carry out
type Action string

const (
	ActionNone     Action = ""
	ActionEndCall  Action = "end_call"
	ActionTransfer Action = "transfer_call"
)

// Result is returned to the AI session as the function output
type Result struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`

	Action Action `json:"-"`
	Target string `json:"-"`
}

// Output renders the result as the JSON string sent back to the AI
func (r Result) Output() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"message":"internal error"}`
	}
	return string(data)
}

// Failure builds an unsuccessful result
func Failure(message string) Result {
	return Result{Success: false, Message: message}
}

// HandlerFunc executes a tool. Returned errors become failed results.
type HandlerFunc func(ctx context.Context, call FunctionCall) (Result, error)

// Tool couples a schema with its handler
type Tool struct {
	Spec    ToolSpec
	Handler HandlerFunc
}

// Dispatcher routes tool calls by name
type Dispatcher struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		tools:  make(map[string]Tool),
	}
}

// Register adds or replaces a tool
func (d *Dispatcher) Register(tool Tool) {
	if tool.Spec.Type == "" {
		tool.Spec.Type = "function"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tools[tool.Spec.Name]; !exists {
		d.order = append(d.order, tool.Spec.Name)
	}
	d.tools[tool.Spec.Name] = tool
}

// Tools returns the schemas offered to a call, in registration order.
// A nil profile gets every tool with default descriptions.
func (d *Dispatcher) Tools(profile *config.CallProfile) []ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(d.order))
	for _, name := range d.order {
		if profile != nil && !profile.ToolAllowed(name) {
			continue
		}
		spec := d.tools[name].Spec
		if profile != nil {
			if description, ok := profile.ToolDescriptions[name]; ok && description != "" {
				spec.Description = description
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Dispatch runs the named tool. It never panics and never returns an error:
// every failure is reported as an unsuccessful Result.
func (d *Dispatcher) Dispatch(ctx context.Context, call FunctionCall) (result Result) {
	logger := d.logger.WithFields(logrus.Fields{
		"call_id": call.CallKey,
		"tool":    call.Name,
	})

	label := call.Name
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			}).Error("Tool handler panicked")
			result = Failure("something went wrong while handling the request")
		}
		metrics.RecordToolCall(label, result.Success)
	}()

	d.mu.RLock()
	tool, ok := d.tools[call.Name]
	d.mu.RUnlock()

	if !ok || (call.Profile != nil && !call.Profile.ToolAllowed(call.Name)) {
		logger.Warn("AI requested an unknown tool")
		label = "unknown"
		return Failure(fmt.Sprintf("unknown tool %q", call.Name))
	}

	result, err := tool.Handler(ctx, call)
	if err != nil {
		logger.WithError(err).Warn("Tool call failed")
		return failureFor(err)
	}

	logger.WithField("success", result.Success).Debug("Tool call completed")
	return result
}

// failureFor turns a handler error into a message the AI can relay to the caller
func failureFor(err error) Result {
	var serr *errors.Error
	switch {
	case errors.Is(err, errors.ErrInvalidArguments) && errors.As(err, &serr):
		return Failure(serr.Message())
	case errors.Is(err, errors.ErrNotFound):
		return Failure("nothing was found for that request")
	case errors.Is(err, errors.ErrUnavailable), errors.Is(err, errors.ErrBackendFailure):
		return Failure("the service is not available right now, please try again later")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Failure("the request took too long, please try again")
	default:
		return Failure("something went wrong while handling the request")
	}
}

// decodeArguments parses the AI-provided JSON arguments into v. Empty arguments decode as {}.
func decodeArguments(tool, arguments string, v interface{}) error {
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), v); err != nil {
		return errors.NewInvalidArguments(tool, "the arguments could not be understood")
	}
	return nil
}
