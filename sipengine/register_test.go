// SPDX-License-Identifier: MPL-2.0

package sipengine

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegisterTransaction() *registerTransaction {
	recipient := sip.Uri{Scheme: "sip", User: "alice", Host: "sip.example.com"}
	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "ab12cd34.invalid"},
	}
	rt := newRegisterTransaction(nil, recipient, contact, zerolog.Nop(), registerOptions{
		Username:    "alice",
		Password:    "secret",
		Destination: "sip.example.com:8089",
		Transport:   "WSS",
	})
	// The sipgo client stamps From/To/Call-ID on a request when it is sent;
	// these tests never send, so add the To header NewResponseFromRequest needs.
	rt.origin.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	return rt
}

func TestAuthorizeAnswersChallenge(t *testing.T) {
	rt := testRegisterTransaction()
	req := rt.origin

	chal := digest.Challenge{Realm: "sip.example.com", Nonce: "abc123", Algorithm: "MD5"}
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	require.NoError(t, rt.authorize(req, res))

	h := req.GetHeader("Authorization")
	require.NotNil(t, h)
	cred, err := digest.ParseCredentials(h.Value())
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "abc123", cred.Nonce)

	want, err := digest.Digest(&chal, digest.Options{
		Method:   "REGISTER",
		URI:      req.Recipient.String(),
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, want.Response, cred.Response)
}

func TestAuthorizeProxyChallenge(t *testing.T) {
	rt := testRegisterTransaction()
	req := rt.origin

	chal := digest.Challenge{Realm: "proxy.example.com", Nonce: "xyz789", Algorithm: "MD5"}
	res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", chal.String()))

	require.NoError(t, rt.authorize(req, res))
	assert.Nil(t, req.GetHeader("Authorization"))
	require.NotNil(t, req.GetHeader("Proxy-Authorization"))
}

func TestAuthorizeRepeatReplacesCredentials(t *testing.T) {
	rt := testRegisterTransaction()
	req := rt.origin

	for _, nonce := range []string{"first", "second"} {
		chal := digest.Challenge{Realm: "sip.example.com", Nonce: nonce, Algorithm: "MD5"}
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		require.NoError(t, rt.authorize(req, res))
	}

	// A refreshed challenge fully replaces the previous Authorization header.
	headers := req.GetHeaders("Authorization")
	require.Len(t, headers, 1)
	cred, err := digest.ParseCredentials(headers[0].Value())
	require.NoError(t, err)
	assert.Equal(t, "second", cred.Nonce)
}

func TestAuthorizeMissingChallenge(t *testing.T) {
	rt := testRegisterTransaction()
	req := rt.origin

	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	assert.Error(t, rt.authorize(req, res))
}

func TestRegisterResponseErrorStatusCode(t *testing.T) {
	rt := testRegisterTransaction()
	res := sip.NewResponseFromRequest(rt.origin, sip.StatusForbidden, "Forbidden", nil)

	regErr := &RegisterResponseError{RegisterReq: rt.origin, RegisterRes: res, Msg: res.StartLine()}
	assert.Equal(t, sip.StatusForbidden, regErr.StatusCode())
	assert.Equal(t, res.StartLine(), regErr.Error())
}
