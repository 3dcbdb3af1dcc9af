// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobertone/softphone/account"
	"github.com/mirkobertone/softphone/audio"
)

var (
	// ErrUnsupportedTransport is raised before any engine construction when
	// the account transport is not a websocket variant.
	ErrUnsupportedTransport = errors.New("unsupported transport")
	// ErrNotConnected means there is no engine with a live transport.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNotRegistered means the engine transport is up but the account is
	// not registered.
	ErrNotRegistered = errors.New("account not registered")
)

// EngineConfig is everything an engine needs to bring one account online.
type EngineConfig struct {
	// WebsocketURL is the SIP proxy endpoint, ws[s]://host:port/path.
	WebsocketURL string

	Server      string
	Port        int
	Secure      bool
	UserID      string
	Password    string
	DisplayName string

	// Expiry is the requested registration expiry, RetryInterval overrides
	// the derived re-register interval.
	Expiry        time.Duration
	RetryInterval time.Duration
}

// URI is the SIP identity being registered.
func (c EngineConfig) URI() string {
	return fmt.Sprintf("sip:%s@%s", c.UserID, c.Server)
}

// ConfigFromAccount builds the engine transport configuration. Only
// websocket transports are supported here; anything else fails fast before
// the engine exists.
func ConfigFromAccount(acc *account.Account) (EngineConfig, error) {
	if !acc.Transport.IsWebsocket() {
		return EngineConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedTransport, acc.Transport)
	}
	if strings.TrimSpace(acc.Server) == "" {
		return EngineConfig{}, fmt.Errorf("server host is required")
	}
	if acc.Port < 1 || acc.Port > 65535 {
		return EngineConfig{}, fmt.Errorf("port %d out of range", acc.Port)
	}

	scheme := "ws"
	if acc.Transport == account.TransportWSS {
		scheme = "wss"
	}
	path := acc.WSPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return EngineConfig{
		WebsocketURL: fmt.Sprintf("%s://%s:%d%s", scheme, acc.Server, acc.Port, path),
		Server:       acc.Server,
		Port:         acc.Port,
		Secure:       acc.Transport == account.TransportWSS,
		UserID:       acc.UserID,
		Password:     acc.Password,
		DisplayName:  acc.DisplayName,
	}, nil
}

// EngineEventType enumerates the engine lifecycle events the facade consumes.
type EngineEventType string

const (
	EngineEventRegistered         EngineEventType = "registered"
	EngineEventUnregistered       EngineEventType = "unregistered"
	EngineEventRegistrationFailed EngineEventType = "registrationFailed"
	EngineEventDisconnected       EngineEventType = "disconnected"
	EngineEventTransportError     EngineEventType = "transportError"
	EngineEventNewSession         EngineEventType = "newSession"
	EngineEventSessionEnded       EngineEventType = "sessionEnded"
)

// EngineEvent is a normalized engine notification. Session is set for the
// session scoped events only.
type EngineEvent struct {
	Type    EngineEventType
	Cause   string
	Session Session
}

// Engine is the narrow surface of the underlying SIP stack. Exactly one
// engine instance is alive at a time, owned by the Phone. Events are emitted
// asynchronously, never from within a command call.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Call(ctx context.Context, target string, opts CallOptions) (Session, error)
	Connected() bool
	Registered() bool
	OnEvent(fn func(ev EngineEvent))
}

// EngineFactory constructs an engine for one account registration attempt.
type EngineFactory func(conf EngineConfig, log zerolog.Logger) (Engine, error)

// SessionState is the fine grained lifecycle of a single call session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionProgress   SessionState = "progress"
	SessionConfirmed  SessionState = "confirmed"
	SessionEnded      SessionState = "ended"
	SessionFailed     SessionState = "failed"
)

// MediaOptions are the negotiated media kinds. Video stays false in every
// default path.
type MediaOptions struct {
	Audio bool
	Video bool
}

// CallOptions configure an outbound call.
type CallOptions struct {
	Media MediaOptions
}

type CallOption func(o *CallOptions)

func WithMedia(m MediaOptions) CallOption {
	return func(o *CallOptions) {
		o.Media = m
	}
}

func defaultCallOptions() CallOptions {
	return CallOptions{Media: MediaOptions{Audio: true}}
}

// Session is the capability handle of one call, owned by the engine and
// borrowed by the call controller. Callbacks registered through OnState and
// OnMedia are invoked asynchronously in session event order.
type Session interface {
	ID() string
	Remote() string
	Answer(ctx context.Context, media MediaOptions) error
	Terminate(ctx context.Context) error
	OnState(fn func(state SessionState, cause string))
	OnMedia(fn func(src audio.Source, payloadType uint8))
}
