// SPDX-License-Identifier: MPL-2.0

// Package sipengine is the sipgo backed implementation of the softphone
// Engine interface. One engine serves one account registration over a
// websocket SIP transport and owns every dialog created through it.
package sipengine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirkobertone/softphone"
)

// Engine implements softphone.Engine on top of a sipgo user agent. The
// registrar connection doubles as the inbound signaling path, so incoming
// INVITEs arrive on the same websocket the REGISTER went out on.
type Engine struct {
	conf softphone.EngineConfig
	log  zerolog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	// wsHost is the host:port the websocket URL resolves to, used as the
	// destination of every outbound request.
	wsHost      string
	wsTransport string
	instance    string

	connected  atomic.Bool
	registered atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	regStop  context.CancelFunc
	reg      *registerTransaction
	sessions map[string]*session

	evMu sync.Mutex
	evFn func(ev softphone.EngineEvent)
	evCh chan softphone.EngineEvent
}

// New is a softphone.EngineFactory.
func New(conf softphone.EngineConfig, log zerolog.Logger) (softphone.Engine, error) {
	u, err := url.Parse(conf.WebsocketURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket url %q has no host", conf.WebsocketURL)
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	tran := "WS"
	if conf.Secure {
		tran = "WSS"
	}

	return &Engine{
		conf:        conf,
		log:         log.With().Str("caller", "Engine").Logger(),
		wsHost:      host,
		wsTransport: tran,
		// Random instance host, browser style, so the registrar routes
		// back over the established websocket connection.
		instance: fmt.Sprintf("%s.invalid", uuid.NewString()[:8]),
		sessions: make(map[string]*session),
		evCh:     make(chan softphone.EngineEvent, 16),
	}, nil
}

func (e *Engine) OnEvent(fn func(ev softphone.EngineEvent)) {
	e.evMu.Lock()
	e.evFn = fn
	e.evMu.Unlock()
}

// emit queues an event for the dispatch loop. Events are delivered in order
// and never from inside a command call.
func (e *Engine) emit(ev softphone.EngineEvent) {
	select {
	case e.evCh <- ev:
	default:
		e.log.Warn().Str("type", string(ev.Type)).Msg("Event queue full, dropping event")
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.evCh:
			e.evMu.Lock()
			fn := e.evFn
			e.evMu.Unlock()
			if fn != nil {
				fn(ev)
			}
		}
	}
}

// Start builds the sipgo stack. The websocket connection itself is opened
// lazily by the transport layer on the first outbound request.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ua != nil {
		return fmt.Errorf("engine already started")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.userAgentName()))
	if err != nil {
		return fmt.Errorf("build user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientNAT())
	if err != nil {
		ua.Close()
		return fmt.Errorf("build client: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		client.Close()
		ua.Close()
		return fmt.Errorf("build server: %w", err)
	}

	engCtx, cancel := context.WithCancel(context.Background())
	e.ua = ua
	e.client = client
	e.server = server
	e.cancel = cancel

	e.setupHandlers(server)

	go e.dispatchLoop(engCtx)

	e.connected.Store(true)
	e.log.Info().Str("ws", e.conf.WebsocketURL).Msg("Engine started")
	return nil
}

// Stop tears the whole stack down. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ua == nil {
		return nil
	}

	if e.regStop != nil {
		e.regStop()
		e.regStop = nil
	}

	for _, s := range e.sessions {
		s.shutdown("engine stopped")
	}
	e.sessions = make(map[string]*session)

	e.cancel()
	e.client.Close()
	e.ua.Close()
	e.ua = nil
	e.client = nil
	e.server = nil
	e.reg = nil

	e.connected.Store(false)
	e.registered.Store(false)
	e.log.Info().Msg("Engine stopped")
	return nil
}

func (e *Engine) Connected() bool  { return e.connected.Load() }
func (e *Engine) Registered() bool { return e.registered.Load() }

// Register sends the initial REGISTER and keeps the binding refreshed in the
// background. The call returns after kicking the attempt off; outcome
// arrives as engine events.
func (e *Engine) Register(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return fmt.Errorf("engine not started")
	}
	if e.reg != nil {
		return nil
	}

	recipient := sip.Uri{Scheme: "sip", User: e.conf.UserID, Host: e.conf.Server}
	contact := e.contactHeader()

	rt := newRegisterTransaction(e.client, recipient, contact, e.log, registerOptions{
		Username:      e.conf.UserID,
		Password:      e.conf.Password,
		Expiry:        e.conf.Expiry,
		RetryInterval: e.conf.RetryInterval,
		Destination:   e.wsHost,
		Transport:     e.wsTransport,
	})
	e.reg = rt

	regCtx, stop := context.WithCancel(context.Background())
	e.regStop = stop

	go func() {
		if err := rt.Register(regCtx); err != nil {
			e.registered.Store(false)
			e.emit(softphone.EngineEvent{Type: softphone.EngineEventRegistrationFailed, Cause: err.Error()})
			return
		}

		e.registered.Store(true)
		e.emit(softphone.EngineEvent{Type: softphone.EngineEventRegistered})

		err := rt.KeepAlive(regCtx)
		e.registered.Store(false)
		if regCtx.Err() != nil {
			// Stopped deliberately, the unregister path emits its own event.
			return
		}
		e.emit(softphone.EngineEvent{Type: softphone.EngineEventTransportError, Cause: err.Error()})
	}()
	return nil
}

// Unregister removes the binding with an Expires: 0 REGISTER.
func (e *Engine) Unregister(ctx context.Context) error {
	e.mu.Lock()
	rt := e.reg
	stop := e.regStop
	e.reg = nil
	e.regStop = nil
	e.mu.Unlock()

	if rt == nil {
		return nil
	}
	if stop != nil {
		stop()
	}

	e.registered.Store(false)
	err := rt.Unregister(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Unregister request failed")
	}
	e.emit(softphone.EngineEvent{Type: softphone.EngineEventUnregistered})
	return err
}

// Call starts an outbound INVITE toward target, which may be a full SIP URI
// or a bare user reached on the account's server.
func (e *Engine) Call(ctx context.Context, target string, opts softphone.CallOptions) (softphone.Session, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("engine not started")
	}

	recipient, err := e.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	s := newOutboundSession(e, recipient, opts)

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		e.dropSession(s.id)
		return nil, err
	}
	return s, nil
}

func (e *Engine) resolveTarget(target string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err == nil && uri.Host != "" {
		return uri, nil
	}
	if target == "" {
		return sip.Uri{}, fmt.Errorf("empty call target")
	}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", target, e.conf.Server), &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("bad call target %q: %w", target, err)
	}
	return uri, nil
}

func (e *Engine) contactHeader() sip.ContactHeader {
	params := sip.NewParams()
	params.Add("transport", e.wsTransport)
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      e.conf.UserID,
			Host:      e.instance,
			UriParams: params,
		},
	}
}

func (e *Engine) fromHeader() *sip.FromHeader {
	params := sip.NewParams()
	params.Add("tag", newTag())
	return &sip.FromHeader{
		DisplayName: e.conf.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: e.conf.UserID, Host: e.conf.Server},
		Params:      params,
	}
}

func (e *Engine) userAgentName() string {
	if e.conf.DisplayName != "" {
		return e.conf.DisplayName
	}
	return "softphone"
}

func (e *Engine) dropSession(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// setupHandlers routes incoming requests arriving over the registrar
// connection.
func (e *Engine) setupHandlers(server *sipgo.Server) {
	errHandler := func(f func(req *sip.Request, tx sip.ServerTransaction) error) sipgo.RequestHandler {
		return func(req *sip.Request, tx sip.ServerTransaction) {
			if err := f(req, tx); err != nil {
				e.log.Error().Err(err).Str("method", req.Method.String()).Msg("Failed to handle request")
			}
		}
	}

	server.OnInvite(errHandler(e.onInvite))

	server.OnAck(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		s := e.matchSession(req)
		if s == nil {
			return fmt.Errorf("ACK for unknown dialog")
		}
		return s.readAck(req, tx)
	}))

	server.OnBye(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		s := e.matchSession(req)
		if s == nil {
			return tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		}
		return s.readBye(req, tx)
	}))

	server.OnCancel(errHandler(func(req *sip.Request, tx sip.ServerTransaction) error {
		s := e.matchSession(req)
		if s == nil {
			return tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		}
		return s.readCancel(req, tx)
	}))
}

func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) error {
	contact := e.contactHeader()
	dialogUA := sipgo.DialogUA{
		Client:     e.client,
		ContactHDR: contact,
	}

	dialog, err := dialogUA.ReadInvite(req, tx)
	if err != nil {
		return fmt.Errorf("handling new INVITE failed: %w", err)
	}

	s := newInboundSession(e, dialog, req)

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		e.dropSession(s.id)
		return fmt.Errorf("responding 180 failed: %w", err)
	}

	e.emit(softphone.EngineEvent{Type: softphone.EngineEventNewSession, Session: s})
	return nil
}

// matchSession finds the session owning an in-dialog request by Call-ID.
func (e *Engine) matchSession(req *sip.Request) *session {
	callID := req.CallID()
	if callID == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.callID == callID.Value() {
			return s
		}
	}
	return nil
}

func (e *Engine) sessionEnded(s *session) {
	e.dropSession(s.id)
	e.emit(softphone.EngineEvent{Type: softphone.EngineEventSessionEnded, Session: s})
}
