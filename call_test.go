// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobertone/softphone/audio"
)

// newTestController returns a controller over a registered phone whose
// engine hands out the given session, with the ended-to-idle reset under
// test control.
func newTestController(t *testing.T, sess Session, opts ...CallControllerOption) (*CallController, *Phone, func()) {
	t.Helper()

	p, _, acc, lastEngine := newTestPhone(t)
	_, err := p.RegisterAccount(context.Background(), acc)
	require.NoError(t, err)
	eng := lastEngine()
	eng.emit(EngineEvent{Type: EngineEventRegistered})
	eng.mu.Lock()
	eng.registered = true
	eng.session = sess
	eng.mu.Unlock()

	c := NewCallController(p, append([]CallControllerOption{WithCallLogger(zerolog.Nop())}, opts...)...)

	var resets []func()
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		resets = append(resets, fn)
		return time.AfterFunc(time.Hour, func() {})
	}
	fireReset := func() {
		for _, fn := range resets {
			fn()
		}
		resets = nil
	}
	return c, p, fireReset
}

func TestCallControllerOutboundLifecycle(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{id: "s1", remote: "sip:bob@example.com"}
	c, _, fireReset := newTestController(t, sess)

	require.NoError(t, c.StartCall(ctx, "bob"))
	assert.Equal(t, callStateCalling, c.State())
	assert.Equal(t, DirectionOutbound, c.Direction())
	assert.Equal(t, "sip:bob@example.com", c.Remote())

	sess.pushState(SessionProgress, "180 Ringing")
	assert.Equal(t, callStateRinging, c.State())

	sess.pushState(SessionConfirmed, "")
	assert.Equal(t, callStateConnected, c.State())

	c.tick()
	c.tick()
	assert.Equal(t, 2, c.Duration())

	sess.pushState(SessionEnded, "remote bye")
	assert.Equal(t, callStateEnded, c.State())
	assert.Empty(t, c.Remote())
	// Duration stays visible through the ended cooldown.
	assert.Equal(t, 2, c.Duration())

	fireReset()
	assert.Equal(t, callStateIdle, c.State())
	assert.Equal(t, 0, c.Duration())
}

func TestCallControllerRefusesSecondCall(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{id: "s1", remote: "sip:bob@example.com"}
	c, _, _ := newTestController(t, sess)

	require.NoError(t, c.StartCall(ctx, "bob"))
	assert.ErrorIs(t, c.StartCall(ctx, "carol"), ErrCallInProgress)

	// Still refused during the ended cooldown.
	sess.pushState(SessionFailed, "486 Busy Here")
	assert.Equal(t, callStateEnded, c.State())
	assert.ErrorIs(t, c.StartCall(ctx, "carol"), ErrCallInProgress)
}

func TestCallControllerInbound(t *testing.T) {
	ctx := context.Background()
	c, p, _ := newTestController(t, nil)

	sess := &fakeSession{id: "in1", remote: "sip:carol@example.com"}
	p.Bus().publish(topicIncomingCall, IncomingCallEvent{Session: sess})

	assert.Equal(t, callStateRinging, c.State())
	assert.Equal(t, DirectionInbound, c.Direction())
	assert.Equal(t, "sip:carol@example.com", c.Remote())

	require.NoError(t, c.AnswerCall(ctx))
	assert.True(t, sess.answered)
	assert.Equal(t, callStateConnected, c.State())

	require.NoError(t, c.HangupCall(ctx))
	assert.True(t, sess.wasTerminated())
	assert.Equal(t, callStateEnded, c.State())
}

func TestCallControllerRejectsWhileBusy(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{id: "s1", remote: "sip:bob@example.com"}
	c, p, _ := newTestController(t, sess)

	require.NoError(t, c.StartCall(ctx, "bob"))
	sess.pushState(SessionConfirmed, "")

	intruder := &fakeSession{id: "in2", remote: "sip:mallory@example.com"}
	p.Bus().publish(topicIncomingCall, IncomingCallEvent{Session: intruder})

	assert.True(t, intruder.wasTerminated())
	assert.Equal(t, callStateConnected, c.State())
	assert.Equal(t, "sip:bob@example.com", c.Remote())
}

func TestCallControllerRejectsEmptyTarget(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, nil)

	assert.ErrorIs(t, c.StartCall(ctx, ""), ErrEmptyTarget)
	assert.ErrorIs(t, c.StartCall(ctx, "   "), ErrEmptyTarget)
	assert.Equal(t, callStateIdle, c.State())
}

func TestCallControllerNoActiveCall(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, nil)

	assert.ErrorIs(t, c.AnswerCall(ctx), ErrNoActiveCall)
	assert.ErrorIs(t, c.HangupCall(ctx), ErrNoActiveCall)
}

func TestCallControllerAnswerOutboundRefused(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{id: "s1", remote: "sip:bob@example.com"}
	c, _, _ := newTestController(t, sess)

	require.NoError(t, c.StartCall(ctx, "bob"))
	sess.pushState(SessionProgress, "")

	// Answer only applies to inbound ringing.
	assert.ErrorIs(t, c.AnswerCall(ctx), ErrNoActiveCall)
}

func TestCallControllerTickOnlyWhenConnected(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	c.tick()
	c.tick()
	assert.Equal(t, 0, c.Duration())
}

func TestCallControllerHangupWhileCalling(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{id: "s1", remote: "sip:bob@example.com"}
	c, _, _ := newTestController(t, sess)

	require.NoError(t, c.StartCall(ctx, "bob"))
	require.NoError(t, c.HangupCall(ctx))

	assert.True(t, sess.wasTerminated())
	assert.Equal(t, callStateEnded, c.State())
}

// lingeringSession acknowledges Terminate but delivers the ended callback
// only when the test pushes it, like a remote slow to answer the BYE.
type lingeringSession struct {
	*fakeSession
}

func (s *lingeringSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return nil
}

type countingSource struct {
	reads atomic.Int64
}

func (s *countingSource) ReadRTP(buf []byte, p *rtp.Packet) error {
	s.reads.Add(1)
	time.Sleep(time.Millisecond)
	p.Payload = make([]byte, 160)
	return nil
}

func TestCallControllerHangupStopsAudioImmediately(t *testing.T) {
	ctx := context.Background()
	sess := &lingeringSession{fakeSession: &fakeSession{id: "s1", remote: "sip:bob@example.com"}}
	out := audio.NewOutput(io.Discard, audio.WithOutputLogger(zerolog.Nop()))
	c, _, _ := newTestController(t, sess, WithAudioOutput(out))

	require.NoError(t, c.StartCall(ctx, "bob"))
	sess.pushState(SessionConfirmed, "")

	src := &countingSource{}
	sess.pushMedia(src, audio.PayloadTypeUlaw)
	require.Eventually(t, func() bool { return src.reads.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, c.HangupCall(ctx))
	assert.True(t, sess.wasTerminated())
	// The session is still winding down, yet the sink must already be idle.
	assert.Equal(t, callStateConnected, c.State())

	time.Sleep(5 * time.Millisecond)
	settled := src.reads.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, src.reads.Load())

	sess.pushState(SessionEnded, "terminated")
	assert.Equal(t, callStateEnded, c.State())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:59", FormatDuration(59))
	assert.Equal(t, "01:00", FormatDuration(60))
	assert.Equal(t, "01:05", FormatDuration(65))
	assert.Equal(t, "60:00", FormatDuration(3600))
	assert.Equal(t, "00:00", FormatDuration(-5))
}
