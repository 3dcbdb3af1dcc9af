// SPDX-License-Identifier: MPL-2.0

package sipengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirkobertone/softphone"
	"github.com/mirkobertone/softphone/audio"
)

const dialTimeout = 60 * time.Second

func newTag() string {
	return uuid.NewString()[:8]
}

// session is one call leg. Outbound sessions drive a client INVITE
// transaction; inbound sessions wrap a sipgo server dialog. Both negotiate
// media through a webrtc peer.
type session struct {
	id     string
	callID string
	remote string
	eng    *Engine
	log    zerolog.Logger
	opts   softphone.CallOptions

	mu        sync.Mutex
	state     softphone.SessionState
	lastCause string
	stateFns  []func(state softphone.SessionState, cause string)
	mediaFns  []func(src audio.Source, payloadType uint8)
	src       audio.Source
	srcPT     uint8

	peer    *mediaPeer
	endOnce sync.Once

	// outbound leg
	invite     *sip.Request
	inviteResp *sip.Response
	cancelDial context.CancelFunc

	// inbound leg
	dialog   *sipgo.DialogServerSession
	inviteIn *sip.Request
}

func newOutboundSession(e *Engine, recipient sip.Uri, opts softphone.CallOptions) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		callID: id,
		remote: recipient.String(),
		eng:    e,
		log:    e.log.With().Str("call_id", id).Logger(),
		opts:   opts,
		state:  softphone.SessionConnecting,
		invite: sip.NewRequest(sip.INVITE, recipient),
	}
}

func newInboundSession(e *Engine, dialog *sipgo.DialogServerSession, req *sip.Request) *session {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.String()
	}

	return &session{
		id:       uuid.NewString(),
		callID:   callID,
		remote:   remote,
		eng:      e,
		log:      e.log.With().Str("call_id", callID).Logger(),
		opts:     softphone.CallOptions{Media: softphone.MediaOptions{Audio: true}},
		state:    softphone.SessionProgress,
		dialog:   dialog,
		inviteIn: req,
	}
}

func (s *session) ID() string     { return s.id }
func (s *session) Remote() string { return s.remote }

// OnState registers a state callback. If the session already moved past
// connecting the current state is replayed so late subscribers cannot miss
// the call ending.
func (s *session) OnState(fn func(state softphone.SessionState, cause string)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	st, cause := s.state, s.lastCause
	s.mu.Unlock()

	if st != softphone.SessionConnecting && st != softphone.SessionProgress {
		go fn(st, cause)
	}
}

// OnMedia registers a media callback, replayed if the remote track already
// arrived.
func (s *session) OnMedia(fn func(src audio.Source, payloadType uint8)) {
	s.mu.Lock()
	s.mediaFns = append(s.mediaFns, fn)
	src, pt := s.src, s.srcPT
	s.mu.Unlock()

	if src != nil {
		go fn(src, pt)
	}
}

func (s *session) setState(state softphone.SessionState, cause string) {
	s.mu.Lock()
	if s.state == softphone.SessionEnded || s.state == softphone.SessionFailed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.lastCause = cause
	fns := make([]func(softphone.SessionState, string), len(s.stateFns))
	copy(fns, s.stateFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state, cause)
	}
}

func (s *session) deliverMedia(src audio.Source, payloadType uint8) {
	s.mu.Lock()
	s.src = src
	s.srcPT = payloadType
	fns := make([]func(audio.Source, uint8), len(s.mediaFns))
	copy(fns, s.mediaFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(src, payloadType)
	}
}

// dial sends the INVITE and spawns the response loop. Media is negotiated
// up front so the request carries a complete SDP offer.
func (s *session) dial(ctx context.Context) error {
	peer, err := newMediaPeer(s.log)
	if err != nil {
		return fmt.Errorf("create media peer: %w", err)
	}
	s.peer = peer

	offer, err := peer.createOffer(ctx)
	if err != nil {
		peer.close()
		return fmt.Errorf("create offer: %w", err)
	}

	s.buildInvite([]byte(offer))

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	s.mu.Lock()
	s.cancelDial = cancel
	s.mu.Unlock()

	tx, err := s.eng.client.TransactionRequest(dialCtx, s.invite)
	if err != nil {
		cancel()
		peer.close()
		return fmt.Errorf("send INVITE: %w", err)
	}

	s.log.Info().Str("target", s.remote).Msg("INVITE sent")
	go s.inviteLoop(dialCtx, cancel, tx)
	return nil
}

func (s *session) buildInvite(sdpBody []byte) {
	e := s.eng
	invite := s.invite

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(e.fromHeader())
	invite.AppendHeader(&sip.ToHeader{Address: invite.Recipient, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(s.callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := e.contactHeader()
	invite.AppendHeader(&contact)

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	invite.SetDestination(e.wsHost)
	invite.SetTransport(e.wsTransport)
}

func (s *session) inviteLoop(ctx context.Context, cancel context.CancelFunc, tx sip.ClientTransaction) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			s.sendCancel(tx)
			s.peer.close()
			if ctx.Err() == context.DeadlineExceeded {
				s.setState(softphone.SessionFailed, "dial timeout")
			} else {
				s.setState(softphone.SessionEnded, "canceled")
			}
			s.endOnce.Do(func() { s.eng.sessionEnded(s) })
			return

		case res := <-tx.Responses():
			if res == nil {
				s.peer.close()
				s.setState(softphone.SessionFailed, "no response")
				s.endOnce.Do(func() { s.eng.sessionEnded(s) })
				return
			}
			if done := s.handleInviteResponse(ctx, res); done {
				return
			}

		case <-tx.Done():
			s.mu.Lock()
			confirmed := s.state == softphone.SessionConfirmed
			s.mu.Unlock()
			if !confirmed {
				s.peer.close()
				s.setState(softphone.SessionFailed, "transaction terminated")
				s.endOnce.Do(func() { s.eng.sessionEnded(s) })
			}
			return
		}
	}
}

// handleInviteResponse reports true when the loop should stop.
func (s *session) handleInviteResponse(ctx context.Context, res *sip.Response) bool {
	code := int(res.StatusCode)
	s.log.Debug().Int("status", code).Str("reason", res.Reason).Msg("Response received")

	switch {
	case code < 180:
		return false

	case code < 200:
		// 183 may carry an early SDP answer.
		if code == 183 && len(res.Body()) > 0 {
			if err := s.peer.acceptAnswer(string(res.Body())); err != nil {
				s.log.Warn().Err(err).Msg("Early media setup failed")
			}
		}
		s.setState(softphone.SessionProgress, res.Reason)
		return false

	case code < 300:
		s.mu.Lock()
		s.inviteResp = res
		s.mu.Unlock()

		if len(res.Body()) > 0 {
			if err := s.peer.acceptAnswer(string(res.Body())); err != nil {
				s.log.Error().Err(err).Msg("Failed to apply SDP answer")
			}
		}
		if err := s.sendAck(res); err != nil {
			// ACK failure does not negate the 200.
			s.log.Error().Err(err).Msg("Failed to send ACK")
		}
		s.setState(softphone.SessionConfirmed, "")
		go s.watchMedia()
		s.log.Info().Msg("Call answered")
		return true

	default:
		s.peer.close()
		s.setState(softphone.SessionFailed, fmt.Sprintf("%d %s", code, res.Reason))
		s.endOnce.Do(func() { s.eng.sessionEnded(s) })
		return true
	}
}

func (s *session) watchMedia() {
	ctx, cancel := context.WithTimeout(context.Background(), remoteSourceTimeout)
	defer cancel()

	src, pt, err := s.peer.remoteSource(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("No remote audio track")
		return
	}
	s.deliverMedia(src, pt)
}

// sendAck acknowledges a 2xx. Per RFC 3261 the ACK of a 2xx is a standalone
// request aimed at the remote target from the response Contact.
func (s *session) sendAck(res *sip.Response) error {
	requestURI := s.invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", s.invite, ack)
	sip.CopyHeaders("Call-ID", s.invite, ack)

	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := s.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetDestination(s.eng.wsHost)
	ack.SetTransport(s.eng.wsTransport)

	if err := s.eng.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	return nil
}

// sendCancel aborts the pending INVITE transaction.
func (s *session) sendCancel(tx sip.ClientTransaction) {
	cancelReq := sip.NewRequest(sip.CANCEL, s.invite.Recipient)
	sip.CopyHeaders("Via", s.invite, cancelReq)
	sip.CopyHeaders("From", s.invite, cancelReq)
	sip.CopyHeaders("To", s.invite, cancelReq)
	sip.CopyHeaders("Call-ID", s.invite, cancelReq)

	if cseq := s.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	cancelReq.SetDestination(s.eng.wsHost)
	cancelReq.SetTransport(s.eng.wsTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cancelTx, err := s.eng.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		s.log.Warn().Err(err).Msg("Send CANCEL failed")
		return
	}

	select {
	case <-cancelTx.Responses():
	case <-cancelTx.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("CANCEL sent")
}

// sendBye tears down a confirmed outbound dialog.
func (s *session) sendBye(ctx context.Context) error {
	s.mu.Lock()
	res := s.inviteResp
	s.mu.Unlock()
	if res == nil {
		return fmt.Errorf("no dialog to tear down")
	}

	requestURI := s.invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	sip.CopyHeaders("From", s.invite, bye)
	sip.CopyHeaders("Call-ID", s.invite, bye)

	if to := res.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	cseqNo := uint32(2)
	if cseq := s.invite.CSeq(); cseq != nil {
		cseqNo = cseq.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseqNo, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetDestination(s.eng.wsHost)
	bye.SetTransport(s.eng.wsTransport)

	tx, err := s.eng.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// Answer accepts an inbound call with a gathered SDP answer. Only valid on
// a ringing inbound session.
func (s *session) Answer(ctx context.Context, media softphone.MediaOptions) error {
	s.mu.Lock()
	dialog := s.dialog
	state := s.state
	s.mu.Unlock()

	if dialog == nil {
		return fmt.Errorf("not an inbound session")
	}
	if state != softphone.SessionProgress {
		return fmt.Errorf("session not answerable in state %q", state)
	}
	if !media.Audio {
		return fmt.Errorf("audio is required")
	}

	peer, err := newMediaPeer(s.log)
	if err != nil {
		return fmt.Errorf("create media peer: %w", err)
	}

	answerSDP, err := peer.answer(ctx, string(s.inviteIn.Body()))
	if err != nil {
		peer.close()
		return fmt.Errorf("create answer: %w", err)
	}

	contentType := sip.NewHeader("Content-Type", "application/sdp")
	if err := dialog.Respond(sip.StatusOK, "OK", []byte(answerSDP), contentType); err != nil {
		peer.close()
		return fmt.Errorf("responding 200 failed: %w", err)
	}

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	s.setState(softphone.SessionConfirmed, "")
	go s.watchMedia()
	s.log.Info().Str("remote", s.remote).Msg("Call answered")
	return nil
}

// Terminate ends the session from whatever state it is in: cancel while
// dialing, reject while ringing, BYE once confirmed.
func (s *session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	dialog := s.dialog
	cancelDial := s.cancelDial
	s.mu.Unlock()

	switch state {
	case softphone.SessionEnded, softphone.SessionFailed:
		return nil
	}

	if dialog != nil {
		if state != softphone.SessionConfirmed {
			if err := dialog.Respond(sip.StatusBusyHere, "Busy Here", nil); err != nil {
				s.log.Warn().Err(err).Msg("Reject response failed")
			}
			s.finish("rejected")
			return nil
		}
		if err := dialog.Bye(ctx); err != nil {
			s.log.Warn().Err(err).Msg("BYE failed")
		}
		s.finish("local bye")
		return nil
	}

	if state != softphone.SessionConfirmed {
		// The invite loop observes the cancellation and sends CANCEL.
		if cancelDial != nil {
			cancelDial()
		}
		return nil
	}

	err := s.sendBye(ctx)
	s.finish("local bye")
	return err
}

// finish moves the session to ended exactly once and releases media.
func (s *session) finish(cause string) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		peer.close()
	}
	s.setState(softphone.SessionEnded, cause)
	s.endOnce.Do(func() { s.eng.sessionEnded(s) })
}

// shutdown is the engine teardown path, silent about signaling.
func (s *session) shutdown(cause string) {
	s.mu.Lock()
	peer := s.peer
	cancelDial := s.cancelDial
	s.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if peer != nil {
		peer.close()
	}
	s.setState(softphone.SessionEnded, cause)
}

func (s *session) readAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.mu.Lock()
	dialog := s.dialog
	s.mu.Unlock()
	if dialog == nil {
		return fmt.Errorf("ACK on outbound session")
	}
	return dialog.ReadAck(req, tx)
}

// readCancel handles a remote CANCEL of a ringing inbound leg. The INVITE
// transaction is closed with 487; the session fails so the controller
// leaves the ringing state.
func (s *session) readCancel(req *sip.Request, tx sip.ServerTransaction) error {
	s.mu.Lock()
	dialog := s.dialog
	s.mu.Unlock()

	if dialog == nil {
		return fmt.Errorf("CANCEL on outbound session")
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		return err
	}
	if err := dialog.Respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
		s.log.Debug().Err(err).Msg("Responding 487 failed")
	}

	s.remoteCancel()
	return nil
}

// remoteCancel fails the session and drops it from the engine exactly once.
func (s *session) remoteCancel() {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		peer.close()
	}
	s.setState(softphone.SessionFailed, "remote cancel")
	s.endOnce.Do(func() { s.eng.sessionEnded(s) })
}

func (s *session) readBye(req *sip.Request, tx sip.ServerTransaction) error {
	s.mu.Lock()
	dialog := s.dialog
	s.mu.Unlock()

	if dialog != nil {
		if err := dialog.ReadBye(req, tx); err != nil {
			return err
		}
	} else {
		// Remote BYE on an outbound dialog.
		if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		peer.close()
	}
	s.setState(softphone.SessionEnded, "remote bye")
	s.endOnce.Do(func() { s.eng.sessionEnded(s) })
	return nil
}
