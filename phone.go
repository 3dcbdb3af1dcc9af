// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mirkobertone/softphone/account"
)

// Registration machine states. regStateUnregistering is the explicit
// pending tag of an optimistic unregister; the store keeps the public four
// state enum and an unregistering phone reports unregistered there.
const (
	regStateUnregistered  = "unregistered"
	regStateConnecting    = "connecting"
	regStateRegistered    = "registered"
	regStateUnregistering = "unregistering"
	regStateFailed        = "failed"
)

// Phone owns at most one engine instance and mediates every interaction
// with it: register, unregister, disconnect, outbound calls. Engine events
// are normalized onto the Bus.
type Phone struct {
	store     *account.Store
	bus       *Bus
	log       zerolog.Logger
	newEngine EngineFactory

	mu          sync.Mutex
	engine      Engine
	current     *account.Account
	registering atomic.Bool
	reg         *fsm.FSM
}

type PhoneOption func(p *Phone)

func WithLogger(l zerolog.Logger) PhoneOption {
	return func(p *Phone) {
		p.log = l
	}
}

func WithEngineFactory(f EngineFactory) PhoneOption {
	return func(p *Phone) {
		p.newEngine = f
	}
}

func WithBus(b *Bus) PhoneOption {
	return func(p *Phone) {
		p.bus = b
	}
}

func NewPhone(store *account.Store, opts ...PhoneOption) *Phone {
	p := &Phone{
		store: store,
		bus:   NewBus(),
		log:   log.Logger,
	}
	for _, o := range opts {
		o(p)
	}

	p.reg = fsm.NewFSM(
		regStateUnregistered,
		fsm.Events{
			{Name: "connect", Src: []string{regStateUnregistered, regStateFailed}, Dst: regStateConnecting},
			{Name: "registered", Src: []string{regStateConnecting}, Dst: regStateRegistered},
			{Name: "fail", Src: []string{regStateConnecting}, Dst: regStateFailed},
			{Name: "unregister", Src: []string{regStateRegistered}, Dst: regStateUnregistering},
			{Name: "down", Src: []string{
				regStateUnregistered, regStateConnecting, regStateRegistered, regStateUnregistering, regStateFailed,
			}, Dst: regStateUnregistered},
		},
		fsm.Callbacks{},
	)
	return p
}

// Bus exposes the event surface for subscribers.
func (p *Phone) Bus() *Bus {
	return p.bus
}

// RegistrationState is the current machine state, including the transient
// unregistering tag.
func (p *Phone) RegistrationState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.Current()
}

// CurrentAccount returns a copy of the account the engine is serving, or nil.
func (p *Phone) CurrentAccount() *account.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// RegisterAccount brings the account online. The returned bool reports only
// whether the attempt was initiated; the outcome arrives asynchronously as
// registration status events. A second call while one attempt is in flight
// returns false without touching the engine.
func (p *Phone) RegisterAccount(ctx context.Context, acc *account.Account) (bool, error) {
	if acc == nil {
		return false, errors.New("nil account")
	}
	if !p.registering.CompareAndSwap(false, true) {
		p.log.Warn().Str("account", acc.ID).Msg("Registration already in progress")
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.ID == acc.ID && p.reg.Current() == regStateRegistered {
		p.registering.Store(false)
		return true, nil
	}

	conf, err := ConfigFromAccount(acc)
	if err != nil {
		p.registering.Store(false)
		return false, err
	}
	if p.newEngine == nil {
		p.registering.Store(false)
		return false, errors.New("no engine factory configured")
	}

	// Switching accounts tears the previous engine down completely.
	if p.engine != nil {
		p.teardownLocked(ctx, "switching account")
	}

	cp := *acc
	p.current = &cp
	if err := p.reg.Event(ctx, "connect"); err != nil {
		p.log.Debug().Err(err).Msg("Registration state transition refused")
	}
	p.setStatusLocked(ctx, acc.ID, account.StatusConnecting, "")

	eng, err := p.newEngine(conf, p.log)
	if err != nil {
		p.failLocked(ctx, acc.ID, err.Error())
		return false, err
	}
	eng.OnEvent(p.engineEventHandler(eng, acc.ID))

	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop()
		p.failLocked(ctx, acc.ID, err.Error())
		return false, err
	}
	if err := eng.Register(ctx); err != nil {
		_ = eng.Stop()
		p.failLocked(ctx, acc.ID, err.Error())
		return false, err
	}

	p.engine = eng
	p.log.Info().Str("account", acc.ID).Str("uri", conf.URI()).Msg("Registration initiated")
	return true, nil
}

// Unregister optimistically marks the account unregistered and asks the
// engine to unregister without waiting for confirmation. Safe no-op when
// nothing is registered.
func (p *Phone) Unregister(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil || p.current == nil {
		return nil
	}

	if err := p.reg.Event(ctx, "unregister"); err != nil {
		p.log.Debug().Err(err).Msg("Unregister requested outside registered state")
	}
	p.setStatusLocked(ctx, p.current.ID, account.StatusUnregistered, "unregister requested")

	eng := p.engine
	go func() {
		if err := eng.Unregister(context.Background()); err != nil {
			p.log.Warn().Err(err).Msg("Engine unregister failed")
		}
	}()
	return nil
}

// Disconnect stops and discards the engine unconditionally. Always safe.
func (p *Phone) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked(context.Background(), "disconnected")
}

// Destroy is Disconnect plus dropping every event subscription. For process
// teardown only.
func (p *Phone) Destroy() {
	p.Disconnect()
	p.bus.Close()
}

// MakeCall starts an outbound call through the engine. Preconditions are
// reported distinctly so a caller can tell a dead transport from a missing
// registration.
func (p *Phone) MakeCall(ctx context.Context, target string, opts ...CallOption) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil || !p.engine.Connected() {
		p.log.Warn().Str("target", target).Msg("Cannot call: transport not connected")
		return nil, ErrNotConnected
	}
	if !p.engine.Registered() {
		p.log.Warn().Str("target", target).Msg("Cannot call: account not registered")
		return nil, ErrNotRegistered
	}

	callOpts := defaultCallOptions()
	for _, o := range opts {
		o(&callOpts)
	}

	sess, err := p.engine.Call(ctx, target, callOpts)
	if err != nil {
		p.log.Error().Err(err).Str("target", target).Msg("Call initiation failed")
		return nil, err
	}
	return sess, nil
}

func (p *Phone) teardownLocked(ctx context.Context, cause string) {
	p.registering.Store(false)
	if p.engine != nil {
		if err := p.engine.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("Engine stop failed")
		}
		p.engine = nil
	}
	if p.current != nil {
		p.setStatusLocked(ctx, p.current.ID, account.StatusUnregistered, cause)
		p.current = nil
	}
	p.reg.SetState(regStateUnregistered)
}

func (p *Phone) failLocked(ctx context.Context, accID, cause string) {
	p.registering.Store(false)
	if err := p.reg.Event(ctx, "fail"); err != nil {
		p.log.Debug().Err(err).Msg("Registration state transition refused")
	}
	p.setStatusLocked(ctx, accID, account.StatusFailed, cause)
	metricRegistrations.WithLabelValues("failed").Inc()
}

// setStatusLocked mirrors a status into the store and publishes the change
// only when the stored value moved, so an optimistic transition and its
// later engine confirmation produce a single event.
func (p *Phone) setStatusLocked(ctx context.Context, accID string, st account.Status, cause string) {
	changed, err := p.store.SetStatus(ctx, accID, st)
	if err != nil {
		p.log.Warn().Err(err).Str("account", accID).Str("status", string(st)).Msg("Mirroring status failed")
		return
	}
	if changed {
		p.bus.publish(topicRegistration, RegistrationStatusEvent{AccountID: accID, Status: st, Cause: cause})
	}
}

// engineEventHandler is keyed to the engine instance, not the account: a
// torn-down engine may outlive a re-registration of the same account, and
// its late events must not leak into the new session. Dispatch blocks on
// p.mu, so the engine pointer is assigned before the first event lands.
func (p *Phone) engineEventHandler(eng Engine, accID string) func(ev EngineEvent) {
	return func(ev EngineEvent) {
		ctx := context.Background()

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.engine != eng || p.current == nil {
			return
		}

		switch ev.Type {
		case EngineEventRegistered:
			p.registering.Store(false)
			if err := p.reg.Event(ctx, "registered"); err != nil {
				p.log.Debug().Err(err).Msg("Registered event outside connecting state")
				return
			}
			p.setStatusLocked(ctx, accID, account.StatusRegistered, "")
			metricRegistrations.WithLabelValues("ok").Inc()

		case EngineEventRegistrationFailed:
			p.failLocked(ctx, accID, ev.Cause)

		case EngineEventTransportError:
			if p.reg.Current() == regStateConnecting {
				p.failLocked(ctx, accID, ev.Cause)
				return
			}
			// Transport loss after registration means we are simply offline.
			p.registering.Store(false)
			_ = p.reg.Event(ctx, "down")
			p.setStatusLocked(ctx, accID, account.StatusUnregistered, ev.Cause)

		case EngineEventUnregistered, EngineEventDisconnected:
			p.registering.Store(false)
			_ = p.reg.Event(ctx, "down")
			p.setStatusLocked(ctx, accID, account.StatusUnregistered, ev.Cause)

		case EngineEventNewSession:
			p.bus.publish(topicIncomingCall, IncomingCallEvent{Session: ev.Session})

		case EngineEventSessionEnded:
			p.bus.publish(topicCallEnded, CallEndedEvent{Session: ev.Session})
		}
	}
}
