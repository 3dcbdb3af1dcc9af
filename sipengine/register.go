// SPDX-License-Identifier: MPL-2.0

package sipengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
)

// RegisterResponseError carries the final non 2xx REGISTER exchange for
// callers that want the status code.
type RegisterResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *RegisterResponseError) StatusCode() sip.StatusCode {
	return e.RegisterRes.StatusCode
}

func (e RegisterResponseError) Error() string {
	return e.Msg
}

type registerOptions struct {
	Username string
	Password string

	Expiry        time.Duration
	RetryInterval time.Duration

	// Destination is the host:port of the websocket endpoint, Transport the
	// SIP transport tag to stamp on every request.
	Destination string
	Transport   string
}

// registerTransaction keeps one REGISTER binding alive: initial register
// with digest auth, periodic refresh, and the final Expires: 0 removal.
type registerTransaction struct {
	opts   registerOptions
	origin *sip.Request

	client *sipgo.Client
	log    zerolog.Logger

	expiry time.Duration
}

func newRegisterTransaction(client *sipgo.Client, recipient sip.Uri, contact sip.ContactHeader, log zerolog.Logger, opts registerOptions) *registerTransaction {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&contact)
	req.SetDestination(opts.Destination)
	req.SetTransport(opts.Transport)

	if opts.Expiry > 0 {
		expires := sip.ExpiresHeader(opts.Expiry.Seconds())
		req.AppendHeader(&expires)
	}

	return &registerTransaction{
		opts:   opts,
		origin: req,
		client: client,
		log:    log.With().Str("caller", "Register").Logger(),
	}
}

func (t *registerTransaction) Register(ctx context.Context) error {
	req := t.origin
	contact := *req.Contact().Clone()

	res, err := t.do(ctx, req)
	if err != nil {
		return err
	}

	via := res.Via()
	if via == nil {
		return fmt.Errorf("no Via header in response")
	}

	// rport/received rewrite per RFC 3581 so the binding survives NAT.
	if rport, _ := via.Params.Get("rport"); rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			contact.Address.Port = p
		}
		if received, _ := via.Params.Get("received"); received != "" {
			contact.Address.Host = received
		}
		req.ReplaceHeader(&contact)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = t.answerChallenge(ctx, req, res)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != sip.StatusOK {
		return &RegisterResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}

	// Server may shorten our requested expiry.
	t.expiry = t.opts.Expiry
	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		t.expiry = time.Duration(val) * time.Second
	}

	t.log.Info().Str("expiry", t.expiry.String()).Msg("Registered")
	return nil
}

// KeepAlive refreshes the binding until ctx is canceled or a refresh fails.
func (t *registerTransaction) KeepAlive(ctx context.Context) error {
	retry := t.calcRetry(t.expiry)
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		expiry := t.expiry
		if err := t.refresh(ctx); err != nil {
			return err
		}

		if t.expiry != expiry {
			retry = t.calcRetry(t.expiry)
			t.log.Info().
				Str("expiry_old", expiry.String()).
				Str("expiry_new", t.expiry.String()).
				Str("retry", retry.String()).
				Msg("Register expiry changed")
			ticker.Reset(retry)
		}
	}
}

func (t *registerTransaction) calcRetry(expiry time.Duration) time.Duration {
	if t.opts.RetryInterval != 0 {
		return t.opts.RetryInterval
	}

	retry := time.Duration(expiry.Seconds()*0.75) * time.Second
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

func (t *registerTransaction) Unregister(ctx context.Context) error {
	req := t.origin

	req.RemoveHeader("Expires")
	req.RemoveHeader("Contact")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	expires := sip.ExpiresHeader(0)
	req.AppendHeader(&expires)
	return t.doRequest(ctx, req)
}

func (t *registerTransaction) refresh(ctx context.Context) error {
	return t.doRequest(ctx, t.origin)
}

func (t *registerTransaction) doRequest(ctx context.Context, req *sip.Request) error {
	res, err := t.do(ctx, req)
	if err != nil {
		return err
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = t.answerChallenge(ctx, req, res)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != sip.StatusOK {
		return &RegisterResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}
	return nil
}

// do sends the request and waits for the final response. The client rebuilds
// Via on each send; CSeq is bumped once it exists so every re-register moves
// the sequence forward.
func (t *registerTransaction) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	req.RemoveHeader("Via")
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}

	res, err := t.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fail to get response req=%q: %w", req.StartLine(), err)
	}
	return res, nil
}

// answerChallenge retries the request with credentials computed from the
// 401/407 digest challenge.
func (t *registerTransaction) answerChallenge(ctx context.Context, req *sip.Request, res *sip.Response) (*sip.Response, error) {
	if err := t.authorize(req, res); err != nil {
		return nil, err
	}
	return t.do(ctx, req)
}

// authorize computes digest credentials for the challenge carried by a
// 401/407 response and stamps them on the request.
func (t *registerTransaction) authorize(req *sip.Request, res *sip.Response) error {
	challengeName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return fmt.Errorf("no %s header in response", challengeName)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: t.opts.Username,
		Password: t.opts.Password,
	})
	if err != nil {
		return fmt.Errorf("calculating digest failed: %w", err)
	}

	req.RemoveHeader(authName)
	req.AppendHeader(sip.NewHeader(authName, cred.String()))
	return nil
}
