// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mirkobertone/softphone/audio"
)

const (
	callStateIdle      = "idle"
	callStateCalling   = "calling"
	callStateRinging   = "ringing"
	callStateConnected = "connected"
	callStateEnded     = "ended"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

var (
	ErrCallInProgress = errors.New("softphone: call already in progress")
	ErrNoActiveCall   = errors.New("softphone: no active call")
	ErrEmptyTarget    = errors.New("softphone: empty call target")
)

// defaultResetDelay is how long the ended state stays visible before the
// controller returns to idle.
const defaultResetDelay = 2 * time.Second

// CallController tracks a single call at a time on top of the Phone facade:
// dialing, ringing, answer, hangup, and the running duration of a connected
// call. A second call while one is active is refused outbound and rejected
// busy inbound.
type CallController struct {
	phone *Phone
	out   *audio.Output
	log   zerolog.Logger

	resetDelay time.Duration
	afterFunc  func(d time.Duration, fn func()) *time.Timer

	mu        sync.Mutex
	state     *fsm.FSM
	session   Session
	remote    string
	direction string
	seconds   int
	startedAt time.Time
	tickStop  chan struct{}
	subs      []Subscription
}

type CallControllerOption func(c *CallController)

func WithCallLogger(l zerolog.Logger) CallControllerOption {
	return func(c *CallController) {
		c.log = l
	}
}

// WithAudioOutput attaches a shared sink that receives the decoded audio of
// whichever call is currently connected.
func WithAudioOutput(out *audio.Output) CallControllerOption {
	return func(c *CallController) {
		c.out = out
	}
}

func WithResetDelay(d time.Duration) CallControllerOption {
	return func(c *CallController) {
		c.resetDelay = d
	}
}

func NewCallController(phone *Phone, opts ...CallControllerOption) *CallController {
	c := &CallController{
		phone:      phone,
		log:        log.Logger,
		resetDelay: defaultResetDelay,
		afterFunc:  time.AfterFunc,
	}
	for _, o := range opts {
		o(c)
	}

	c.state = fsm.NewFSM(
		callStateIdle,
		fsm.Events{
			{Name: "dial", Src: []string{callStateIdle}, Dst: callStateCalling},
			{Name: "ring", Src: []string{callStateIdle, callStateCalling}, Dst: callStateRinging},
			{Name: "establish", Src: []string{callStateCalling, callStateRinging}, Dst: callStateConnected},
			{Name: "end", Src: []string{callStateCalling, callStateRinging, callStateConnected}, Dst: callStateEnded},
			{Name: "reset", Src: []string{callStateEnded}, Dst: callStateIdle},
		},
		fsm.Callbacks{},
	)

	c.subs = append(c.subs, phone.Bus().OnIncomingCall(c.handleIncoming))
	return c
}

// Close drops the controller's bus subscriptions. The active call, if any,
// keeps running.
func (c *CallController) Close() {
	for _, s := range c.subs {
		c.phone.Bus().Unsubscribe(s)
	}
	c.subs = nil
}

func (c *CallController) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current()
}

func (c *CallController) Remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *CallController) Direction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

// Duration reports whole seconds since the call was connected. Zero before
// connect and after reset.
func (c *CallController) Duration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds
}

// FormatDuration renders seconds as MM:SS. Minutes keep growing past 99.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// StartCall dials target through the phone. Refused while any call is in
// progress, including the ended cooldown.
func (c *CallController) StartCall(ctx context.Context, target string, opts ...CallOption) error {
	if strings.TrimSpace(target) == "" {
		return ErrEmptyTarget
	}

	c.mu.Lock()
	if c.state.Current() != callStateIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.mu.Unlock()

	// MakeCall runs outside the lock: the engine may invoke session
	// callbacks before it returns.
	sess, err := c.phone.MakeCall(ctx, target, opts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.Event(ctx, "dial"); err != nil {
		// An inbound call slipped in while we were dialing. Ours loses.
		go func() {
			_ = sess.Terminate(context.Background())
		}()
		return ErrCallInProgress
	}
	c.bindLocked(sess, DirectionOutbound)
	metricCallsTotal.WithLabelValues(DirectionOutbound).Inc()
	c.log.Info().Str("target", target).Msg("Outbound call started")
	return nil
}

// AnswerCall accepts the pending inbound call with audio only media.
func (c *CallController) AnswerCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Current() != callStateRinging || c.session == nil || c.direction != DirectionInbound {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	sess := c.session
	c.mu.Unlock()

	if err := sess.Answer(ctx, MediaOptions{Audio: true}); err != nil {
		c.log.Error().Err(err).Msg("Answer failed")
		return err
	}
	return nil
}

// HangupCall terminates the active call in any non idle state. Works both as
// cancel while calling, reject while ringing, and hangup while connected.
func (c *CallController) HangupCall(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	sess := c.session
	c.mu.Unlock()

	// Local audio stops right away, not when the ended callback arrives.
	if c.out != nil {
		c.out.Detach()
	}

	// Terminate outside the lock; the session state callback re-enters the
	// controller to run endCall.
	if err := sess.Terminate(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Terminate failed")
		return err
	}
	return nil
}

func (c *CallController) handleIncoming(ev IncomingCallEvent) {
	if ev.Session == nil {
		return
	}

	c.mu.Lock()
	if err := c.state.Event(context.Background(), "ring"); err != nil {
		c.mu.Unlock()
		c.log.Info().Str("remote", ev.Session.Remote()).Msg("Rejecting call, line busy")
		_ = ev.Session.Terminate(context.Background())
		return
	}
	c.bindLocked(ev.Session, DirectionInbound)
	metricCallsTotal.WithLabelValues(DirectionInbound).Inc()
	c.mu.Unlock()

	c.log.Info().Str("remote", ev.Session.Remote()).Msg("Incoming call")
}

// bindLocked wires session callbacks. Caller holds the lock.
func (c *CallController) bindLocked(sess Session, direction string) {
	c.session = sess
	c.remote = sess.Remote()
	c.direction = direction
	c.seconds = 0

	sess.OnState(func(state SessionState, cause string) {
		c.onSessionState(sess, state, cause)
	})
	if c.out != nil {
		sess.OnMedia(func(src audio.Source, payloadType uint8) {
			if err := c.out.Attach(src, payloadType); err != nil {
				c.log.Warn().Err(err).Msg("Attaching call audio failed")
			}
		})
	}
}

func (c *CallController) onSessionState(sess Session, state SessionState, cause string) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Late callbacks from a call that already ended are dropped.
	if c.session != sess {
		return
	}

	switch state {
	case SessionProgress:
		if c.direction == DirectionOutbound {
			if err := c.state.Event(ctx, "ring"); err != nil {
				c.log.Debug().Err(err).Msg("Progress outside calling state")
			}
		}

	case SessionConfirmed:
		if err := c.state.Event(ctx, "establish"); err != nil {
			c.log.Debug().Err(err).Msg("Confirm outside calling or ringing state")
			return
		}
		c.startedAt = time.Now()
		c.startTickerLocked()
		metricActiveCalls.Inc()
		c.log.Info().Str("remote", c.remote).Msg("Call established")

	case SessionEnded, SessionFailed:
		c.endCallLocked(ctx, cause)
	}
}

func (c *CallController) endCallLocked(ctx context.Context, cause string) {
	wasConnected := c.state.Current() == callStateConnected
	if err := c.state.Event(ctx, "end"); err != nil {
		return
	}

	c.stopTickerLocked()
	if c.out != nil {
		c.out.Detach()
	}
	if wasConnected {
		metricActiveCalls.Dec()
		metricCallDuration.Observe(time.Since(c.startedAt).Seconds())
	}

	c.session = nil
	c.remote = ""
	c.direction = ""
	c.startedAt = time.Time{}
	c.log.Info().Str("cause", cause).Int("seconds", c.seconds).Msg("Call ended")

	c.afterFunc(c.resetDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.state.Event(context.Background(), "reset"); err != nil {
			return
		}
		c.seconds = 0
	})
}

func (c *CallController) startTickerLocked() {
	c.stopTickerLocked()
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.tick()
			case <-stop:
				return
			}
		}
	}()
}

func (c *CallController) stopTickerLocked() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

func (c *CallController) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Current() == callStateConnected {
		c.seconds++
	}
}
