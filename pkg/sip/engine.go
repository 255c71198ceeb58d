package sip

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/messaging"
	"voice-gateway/pkg/metrics"
	"voice-gateway/pkg/ratelimit"
	"voice-gateway/pkg/util"

	"github.com/sirupsen/logrus"
)

// SIP methods the engine dispatches on
const (
	MethodInvite  = "INVITE"
	MethodAck     = "ACK"
	MethodBye     = "BYE"
	MethodCancel  = "CANCEL"
	MethodNotify  = "NOTIFY"
	MethodOptions = "OPTIONS"
)

const hangupTimeout = 5 * time.Second

// Event is one inbound SIP request reduced to what call control needs
type Event struct {
	// Key is the Call-ID
	Key         string
	Method      string
	Caller      string
	DID         string
	ContentType string
	Body        []byte
	Source      net.IP
	// InDialog is set when the request carries a To tag
	InDialog bool
}

// Reply is the final response for an Event
type Reply struct {
	Key         string
	Method      string
	Code        int
	Reason      string
	Body        []byte
	ContentType string
}

// Signaling sends requests inside established dialogs
type Signaling interface {
	Hangup(ctx context.Context, key string) error
	Refer(ctx context.Context, key, target string) error
}

// Bridges attaches the speech and conversation bridges to an answered call
type Bridges interface {
	Start(ctx context.Context, c *call.Call) error
}

// EngineDeps are the collaborators of an Engine
type EngineDeps struct {
	Config    *config.Config
	Ports     *media.PortManager
	Calls     *call.Manager
	Limiter   *ratelimit.SIPLimiter
	Bridges   Bridges
	Publisher messaging.Publisher
	Logger    *logrus.Logger
}

// Engine is the call-control state machine behind the SIP transport
type Engine struct {
	cfg       *config.Config
	ports     *media.PortManager
	calls     *call.Manager
	limiter   *ratelimit.SIPLimiter
	bridges   Bridges
	publisher messaging.Publisher
	logger    *logrus.Logger
	panics    *util.PanicHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	signaling Signaling
	// INVITEs still being set up, cancellable by CANCEL
	pending map[string]context.CancelFunc
}

// NewEngine creates an engine. Calls created by it live until BYE, termination or Shutdown.
func NewEngine(deps EngineDeps) *Engine {
	if deps.Publisher == nil {
		deps.Publisher = messaging.NopPublisher{}
	}
	if deps.Config.Tenants == nil {
		deps.Config.Tenants = config.NewTenants(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       deps.Config,
		ports:     deps.Ports,
		calls:     deps.Calls,
		limiter:   deps.Limiter,
		bridges:   deps.Bridges,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		panics:    util.NewPanicHandler(deps.Logger),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]context.CancelFunc),
	}
}

// SetSignaling wires the transport used for BYE and REFER
func (e *Engine) SetSignaling(s Signaling) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaling = s
}

// SetBridges wires the bridges started for every answered call
func (e *Engine) SetBridges(b Bridges) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bridges = b
}

func (e *Engine) getBridges() Bridges {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bridges
}

func (e *Engine) getSignaling() Signaling {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signaling
}

// Refer asks the caller's side to transfer the call to target
func (e *Engine) Refer(ctx context.Context, key, target string) error {
	s := e.getSignaling()
	if s == nil {
		return errors.Newf(errors.ErrUnavailable, "no signaling transport")
	}
	return s.Refer(ctx, key, target)
}

// Calls exposes the call registry
func (e *Engine) Calls() *call.Manager { return e.calls }

// HandleEvent processes one request and returns its final response; ACK yields nil
func (e *Engine) HandleEvent(ctx context.Context, ev Event) *Reply {
	reply := e.dispatch(ctx, ev)
	if reply == nil {
		metrics.RecordSIPRequest(ev.Method, 0)
		return nil
	}
	metrics.RecordSIPRequest(ev.Method, reply.Code)
	return reply
}

func (e *Engine) dispatch(ctx context.Context, ev Event) *Reply {
	switch ev.Method {
	case MethodInvite:
		if c, ok := e.calls.Get(ev.Key); ok {
			return e.handleReInvite(c, ev)
		}
		if ev.InDialog {
			return replyFor(ev, errors.NewCallNotFound(ev.Key))
		}
		return e.handleInvite(ctx, ev)
	case MethodAck:
		return nil
	case MethodBye:
		return e.handleBye(ev)
	case MethodCancel:
		return e.handleCancel(ev)
	case MethodNotify:
		if _, ok := e.calls.Get(ev.Key); ok {
			return replyOK(ev)
		}
		return replyFor(ev, errors.NewCallNotFound(ev.Key))
	case MethodOptions:
		return replyOK(ev)
	default:
		return replyFor(ev, errors.Newf(errors.ErrMethodNotSupported, "method %s not supported", ev.Method))
	}
}

func (e *Engine) handleInvite(ctx context.Context, ev Event) *Reply {
	logger := e.logger.WithFields(logrus.Fields{
		"call_id": ev.Key,
		"caller":  ev.Caller,
		"did":     ev.DID,
		"source":  ev.Source.String(),
	})

	if !e.limiter.AllowINVITE(ev.Source.String()) {
		metrics.RecordCallOutcome("rate_limited")
		return replyFor(ev, errors.Newf(errors.ErrRateLimited, "too many INVITEs from %s", ev.Source))
	}

	if limit := e.cfg.SIP.MaxConcurrentCalls; limit > 0 && e.calls.Count() >= limit {
		metrics.RecordCallOutcome("capacity")
		logger.WithField("active_calls", e.calls.Count()).Warn("Rejecting call, concurrent call limit reached")
		return replyFor(ev, errors.Newf(errors.ErrResourceExhausted, "concurrent call limit %d reached", limit))
	}

	if len(ev.Body) == 0 || !isSDP(ev.ContentType) {
		metrics.RecordCallOutcome("rejected")
		return replyFor(ev, errors.Newf(errors.ErrMissingSDP, "INVITE without SDP offer"))
	}

	offer, err := media.ParseOffer(ev.Body)
	if err != nil {
		metrics.RecordCallOutcome("rejected")
		logger.WithError(err).WithField("error_details", errorDetails(err)).Warn("Rejecting INVITE with unusable SDP")
		return replyFor(ev, err)
	}

	profile, err := e.cfg.Tenants.Resolve(e.cfg, ev.DID, "")
	if err != nil {
		metrics.RecordCallOutcome("rejected")
		logger.WithError(err).WithField("error_details", errorDetails(err)).Warn("Rejecting call to unknown DID")
		return replyFor(ev, err)
	}

	if profile.AllowsIP(ev.Source) {
		logger.Debug("Source IP allowlisted, skipping caller validation")
	} else if !profile.CallerRules.Allows(ev.Caller) {
		metrics.RecordCallOutcome("rejected")
		logger.Warn("Caller number rejected by tenant rules")
		return replyFor(ev, errors.Newf(errors.ErrCallerRejected, "caller %s not allowed for %s", ev.Caller, ev.DID))
	}

	setupCtx, cancelSetup := context.WithCancel(ctx)
	e.mu.Lock()
	e.pending[ev.Key] = cancelSetup
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, ev.Key)
		e.mu.Unlock()
		cancelSetup()
	}()

	c, err := call.New(e.ctx, call.Params{
		Key:            ev.Key,
		Offer:          offer,
		Profile:        profile,
		DID:            ev.DID,
		Caller:         ev.Caller,
		Ports:          e.ports,
		PublicIP:       e.cfg.SIP.ExternalIP,
		BindIP:         e.cfg.Media.RTPBindIP,
		QueueFrames:    e.cfg.Media.QueueFrames,
		SilencePreload: e.cfg.Media.SilencePreload,
		OnTerminated:   e.onCallTerminated,
		Logger:         e.logger,
	})
	if err != nil {
		metrics.RecordCallOutcome("failed")
		logger.WithError(err).WithField("error_details", errorDetails(err)).Error("Failed to set up call media")
		return replyFor(ev, err)
	}

	if setupCtx.Err() != nil {
		c.Close()
		logger.Info("INVITE cancelled during setup")
		return &Reply{Key: ev.Key, Method: ev.Method, Code: 487, Reason: "Request Terminated"}
	}

	if err := e.calls.Add(c); err != nil {
		c.Close()
		return replyFor(ev, err)
	}

	e.publish(messaging.EventCallStarted, c, map[string]interface{}{
		"caller": ev.Caller,
		"codec":  c.Codec().Name,
		"port":   c.Port(),
		"flavor": profile.Flavor,
	})

	if bridges := e.getBridges(); bridges != nil {
		go e.startBridges(c, bridges)
	}

	logger.WithFields(logrus.Fields{
		"codec":  c.Codec().Name,
		"port":   c.Port(),
		"flavor": profile.Flavor,
		"tenant": profile.TenantName,
	}).Info("Call answered")

	return &Reply{
		Key:         ev.Key,
		Method:      ev.Method,
		Code:        200,
		Reason:      "OK",
		Body:        c.AnswerSDP(),
		ContentType: "application/sdp",
	}
}

func (e *Engine) startBridges(c *call.Call, bridges Bridges) {
	defer e.panics.Recover("bridges", func(interface{}) { c.Terminate() })

	if err := bridges.Start(c.Context(), c); err != nil {
		if c.Context().Err() != nil {
			return
		}
		c.Logger().WithError(err).WithField("error_details", errorDetails(err)).Error("Failed to start conversation bridges, ending call")
		c.Terminate()
	}
}

func (e *Engine) handleReInvite(c *call.Call, ev Event) *Reply {
	if ev.DID != "" {
		c.UpdateDID(ev.DID)
	}

	if len(ev.Body) == 0 {
		return &Reply{Key: ev.Key, Method: ev.Method, Code: 200, Reason: "OK", Body: c.AnswerSDP(), ContentType: "application/sdp"}
	}

	offer, err := media.ParseOffer(ev.Body)
	if err != nil {
		c.Logger().WithError(err).WithField("error_details", errorDetails(err)).Warn("Rejecting re-INVITE with unusable SDP")
		return replyFor(ev, err)
	}

	answer, err := c.ApplyOffer(offer)
	if err != nil {
		c.Logger().WithError(err).Warn("Failed to apply re-INVITE offer")
		return replyFor(ev, err)
	}

	c.Logger().WithFields(logrus.Fields{
		"direction": offer.Direction,
		"paused":    c.Paused(),
	}).Info("Call re-negotiated")

	return &Reply{Key: ev.Key, Method: ev.Method, Code: 200, Reason: "OK", Body: answer, ContentType: "application/sdp"}
}

func (e *Engine) handleBye(ev Event) *Reply {
	c := e.calls.Remove(ev.Key)
	if c == nil {
		return replyFor(ev, errors.NewCallNotFound(ev.Key))
	}

	c.Logger().Info("Caller hung up")
	c.Close()
	e.publish(messaging.EventCallEnded, c, map[string]interface{}{"reason": "caller_bye"})
	return replyOK(ev)
}

func (e *Engine) handleCancel(ev Event) *Reply {
	e.mu.Lock()
	cancelSetup, pending := e.pending[ev.Key]
	e.mu.Unlock()
	if pending {
		cancelSetup()
		return replyOK(ev)
	}

	c := e.calls.Remove(ev.Key)
	if c == nil {
		return replyFor(ev, errors.NewCallNotFound(ev.Key))
	}
	c.Logger().Info("Call cancelled")
	c.Close()
	e.publish(messaging.EventCallEnded, c, map[string]interface{}{"reason": "cancel"})
	return replyOK(ev)
}

// onCallTerminated runs when a call ended from our side and its queued audio has played out
func (e *Engine) onCallTerminated(c *call.Call) {
	if e.calls.Remove(c.Key()) == nil {
		// BYE from the caller won the race
		c.Close()
		return
	}

	if s := e.getSignaling(); s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		if err := s.Hangup(ctx, c.Key()); err != nil {
			c.Logger().WithError(err).Warn("Failed to send BYE")
		}
		cancel()
	}

	c.Close()
	e.publish(messaging.EventCallEnded, c, map[string]interface{}{"reason": "terminated"})
}

// Publish sends a call event, logging failures
func (e *Engine) Publish(eventType string, c *call.Call, data map[string]interface{}) {
	e.publish(eventType, c, data)
}

func (e *Engine) publish(eventType string, c *call.Call, data map[string]interface{}) {
	event := messaging.NewCallEvent(eventType, c.Key(), c.DID(), data)
	if err := e.publisher.Publish(context.Background(), event); err != nil {
		c.Logger().WithError(err).WithField("event", eventType).Debug("Call event not published")
	}
}

// Shutdown closes every live call and stops new calls from outliving the engine
func (e *Engine) Shutdown(ctx context.Context) error {
	s := e.getSignaling()
	if s != nil {
		var wg sync.WaitGroup
		for _, key := range e.calls.Keys() {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if err := s.Hangup(ctx, key); err != nil {
					e.logger.WithError(err).WithField("call_id", key).Debug("BYE on shutdown failed")
				}
			}(key)
		}
		wg.Wait()
	}

	err := e.calls.CloseAll(ctx)
	e.cancel()
	return err
}

func isSDP(contentType string) bool {
	if contentType == "" {
		// some trunks omit Content-Type on INVITE with a body
		return true
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/sdp")
}

func replyOK(ev Event) *Reply {
	return &Reply{Key: ev.Key, Method: ev.Method, Code: 200, Reason: "OK"}
}

// errorDetails is the structured context of err for log entries, nil for plain errors
func errorDetails(err error) map[string]interface{} {
	var serr *errors.Error
	if errors.As(err, &serr) {
		return serr.AsJSON()
	}
	return nil
}

func replyFor(ev Event, err error) *Reply {
	status := errors.SIPStatusFromError(err)
	return &Reply{Key: ev.Key, Method: ev.Method, Code: status.Code, Reason: status.Reason}
}

func (r *Reply) String() string {
	return fmt.Sprintf("%s %d %s", r.Method, r.Code, r.Reason)
}
