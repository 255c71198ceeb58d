package sip

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, NOTIFY"

// dialog is what we need to send requests back to the caller
type dialog struct {
	invite   *sip.Request
	localTag string
	cseq     uint32
}

// Server adapts sipgo to the Engine: it answers transactions with the engine's replies
// and sends BYE and REFER inside dialogs the engine answered
type Server struct {
	cfg    config.SIPConfig
	engine *Engine
	logger *logrus.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	mu      sync.Mutex
	dialogs map[string]*dialog
	closer  func() error
	addr    net.Addr
}

// NewServer creates the SIP transport for an engine and registers itself as the engine's signaling
func NewServer(cfg config.SIPConfig, engine *Engine, logger *logrus.Logger) (*Server, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SIP user agent")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SIP server")
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.ExternalIP))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SIP client")
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		ua:      ua,
		server:  server,
		client:  client,
		dialogs: make(map[string]*dialog),
	}

	for _, method := range []sip.RequestMethod{
		sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.OPTIONS, sip.NOTIFY,
		sip.INFO, sip.UPDATE, sip.MESSAGE, sip.SUBSCRIBE, sip.REGISTER, sip.PRACK, sip.PUBLISH, sip.REFER,
	} {
		server.OnRequest(method, s.recoverMiddleware(s.handleRequest))
	}

	engine.SetSignaling(s)
	return s, nil
}

// Start binds the listener, retrying while the address is still held by a previous process
func (s *Server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	logger := s.logger.WithFields(logrus.Fields{
		"address":   address,
		"transport": s.cfg.Transport,
	})

	switch s.cfg.Transport {
	case "tcp":
		ln, err := listenWithRetry(ctx, s.cfg, logger, func() (net.Listener, error) {
			return net.Listen("tcp", address)
		})
		if err != nil {
			return err
		}
		s.setListener(ln.Addr(), ln.Close)
		go s.serve(logger, func() error { return s.server.ServeTCP(ln) })
	default:
		conn, err := listenWithRetry(ctx, s.cfg, logger, func() (net.PacketConn, error) {
			return net.ListenPacket("udp", address)
		})
		if err != nil {
			return err
		}
		s.setListener(conn.LocalAddr(), conn.Close)
		go s.serve(logger, func() error { return s.server.ServeUDP(conn) })
	}

	logger.Info("SIP server listening")
	return nil
}

func (s *Server) setListener(addr net.Addr, closer func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
	s.closer = closer
}

func (s *Server) serve(logger *logrus.Entry, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Error("SIP server stopped")
	}
}

// Addr is the bound listener address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// listenWithRetry backs off exponentially on "address already in use" and fails on any other error
func listenWithRetry[T any](ctx context.Context, cfg config.SIPConfig, logger *logrus.Entry, listen func() (T, error)) (T, error) {
	attempts := cfg.BindMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.BindInitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var zero T
	for attempt := 1; ; attempt++ {
		l, err := listen()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return zero, errors.Wrap(err, "failed to bind SIP listener")
		}
		if attempt >= attempts {
			return zero, errors.Wrap(err, fmt.Sprintf("SIP address still in use after %d attempts", attempts))
		}

		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": backoff,
		}).Warn("SIP address in use, retrying")

		select {
		case <-ctx.Done():
			return zero, errors.Wrap(ctx.Err(), "SIP bind cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Close stops the listener and releases the user agent
func (s *Server) Close() error {
	s.mu.Lock()
	closer := s.closer
	s.closer = nil
	s.mu.Unlock()

	var err error
	if closer != nil {
		err = closer()
	}
	s.client.Close()
	s.server.Close()
	s.ua.Close()
	return err
}

func (s *Server) recoverMiddleware(next func(req *sip.Request, tx sip.ServerTransaction)) func(req *sip.Request, tx sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(logrus.Fields{
					"method": string(req.Method),
					"panic":  r,
				}).Error("Recovered from panic in SIP handler")

				if tx != nil && req.Method != sip.ACK {
					resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
					s.respond(tx, resp)
				}
			}
		}()
		next(req, tx)
	}
}

func (s *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	ev, err := eventFromRequest(req)
	if err != nil {
		s.logger.WithError(err).WithField("method", string(req.Method)).Warn("Malformed SIP request")
		if req.Method != sip.ACK {
			s.respond(tx, sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		}
		return
	}

	reply := s.engine.HandleEvent(context.Background(), ev)
	if reply == nil {
		return
	}

	resp := sip.NewResponseFromRequest(req, reply.Code, reply.Reason, reply.Body)
	if reply.ContentType != "" {
		resp.AppendHeader(sip.NewHeader("Content-Type", reply.ContentType))
	}

	switch {
	case reply.Code == 405 || req.Method == sip.OPTIONS:
		resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		resp.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	case req.Method == sip.INVITE && reply.Code == 200:
		resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Host: s.cfg.ExternalIP, Port: s.cfg.Port}})
		s.rememberDialog(ev.Key, req, resp)
	case (req.Method == sip.BYE || req.Method == sip.CANCEL) && reply.Code == 200:
		s.forgetDialog(ev.Key)
	}

	s.respond(tx, resp)
}

func (s *Server) respond(tx sip.ServerTransaction, resp *sip.Response) {
	if err := tx.Respond(resp); err != nil {
		s.logger.WithError(errors.Wrap(err, errors.ErrTransactionClosed.Error())).WithFields(logrus.Fields{
			"status": resp.StatusCode,
		}).Debug("Response not sent")
	}
}

func eventFromRequest(req *sip.Request) (Event, error) {
	callID := req.CallID()
	if callID == nil || callID.Value() == "" {
		return Event{}, errors.Newf(errors.ErrInvalidSIPMessage, "missing Call-ID")
	}

	ev := Event{
		Key:    callID.Value(),
		Method: string(req.Method),
		Body:   req.Body(),
		Source: sourceIP(req.Source()),
	}
	if from := req.From(); from != nil {
		ev.Caller = from.Address.User
	}
	if to := req.To(); to != nil {
		ev.DID = to.Address.User
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			ev.InDialog = true
		}
	}
	if ct := req.GetHeader("Content-Type"); ct != nil {
		ev.ContentType = ct.Value()
	}
	if ev.DID == "" {
		ev.DID = req.Recipient.User
	}
	return ev, nil
}

func sourceIP(source string) net.IP {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		host = source
	}
	return net.ParseIP(host)
}

func (s *Server) rememberDialog(key string, req *sip.Request, resp *sip.Response) {
	to := resp.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	tag, ok := to.Params.Get("tag")
	if !ok || tag == "" {
		tag = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		to.Params.Add("tag", tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dialogs[key]; exists {
		// re-INVITE keeps the original dialog
		return
	}
	s.dialogs[key] = &dialog{invite: req, localTag: tag}
}

func (s *Server) forgetDialog(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogs, key)
}

func (s *Server) nextRequest(key string, method sip.RequestMethod) (*sip.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dialogs[key]
	if !ok {
		return nil, errors.NewCallNotFound(key)
	}
	d.cseq++
	return buildInDialogRequest(d, method, d.cseq), nil
}

// buildInDialogRequest creates a UAS-originated request: From is our side of the INVITE's To,
// To is the caller's From, routed by the caller's Contact and Record-Route set
func buildInDialogRequest(d *dialog, method sip.RequestMethod, cseq uint32) *sip.Request {
	invite := d.invite

	recipient := invite.Recipient
	if contact := invite.Contact(); contact != nil {
		recipient = contact.Address
	} else if from := invite.From(); from != nil {
		recipient = from.Address
	}

	req := sip.NewRequest(method, recipient)
	req.SetDestination(invite.Source())

	if to := invite.To(); to != nil {
		params := sip.NewParams()
		params.Add("tag", d.localTag)
		req.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: params})
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params})
	}

	callID := sip.CallIDHeader(invite.CallID().Value())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for _, rr := range invite.GetHeaders("Record-Route") {
		req.AppendHeader(sip.NewHeader("Route", rr.Value()))
	}
	return req
}

// Hangup sends BYE to the caller and waits for the final response
func (s *Server) Hangup(ctx context.Context, key string) error {
	req, err := s.nextRequest(key, sip.BYE)
	if err != nil {
		return err
	}
	defer s.forgetDialog(key)

	code, err := s.send(ctx, req)
	if err != nil {
		return err
	}
	if code >= 300 && code != 481 {
		return errors.Newf(errors.ErrBridgeFailure, "BYE answered with %d", code)
	}
	return nil
}

// Refer asks the caller's side to transfer the call to target
func (s *Server) Refer(ctx context.Context, key, target string) error {
	req, err := s.nextRequest(key, sip.REFER)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(target, "<") {
		target = "<" + target + ">"
	}
	req.AppendHeader(sip.NewHeader("Refer-To", target))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:%s:%d>", s.cfg.ExternalIP, s.cfg.Port)))

	code, err := s.send(ctx, req)
	if err != nil {
		return err
	}
	if code >= 300 {
		return errors.Newf(errors.ErrBridgeFailure, "REFER answered with %d", code)
	}
	return nil
}

func (s *Server) send(ctx context.Context, req *sip.Request) (int, error) {
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to send "+string(req.Method))
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return 0, errors.Newf(errors.ErrTransactionClosed, "%s transaction closed", req.Method)
			}
			if res.StatusCode < 200 {
				continue
			}
			return res.StatusCode, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return 0, errors.Wrap(err, string(req.Method)+" transaction failed")
			}
			return 0, errors.Newf(errors.ErrTransactionClosed, "%s transaction ended without response", req.Method)
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), string(req.Method)+" cancelled")
		}
	}
}
