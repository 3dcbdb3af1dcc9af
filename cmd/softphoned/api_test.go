// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobertone/softphone"
	"github.com/mirkobertone/softphone/account"
)

func newTestAPI(t *testing.T, jwtSecret string) (*API, *account.Store) {
	t.Helper()

	store := account.NewStore(account.NewMemoryKV())
	phone := softphone.NewPhone(store, softphone.WithLogger(zerolog.Nop()))
	calls := softphone.NewCallController(phone, softphone.WithCallLogger(zerolog.Nop()))
	t.Cleanup(func() {
		calls.Close()
		phone.Destroy()
	})
	return NewAPI(store, phone, calls, jwtSecret), store
}

func doRequest(a *API, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func TestAPIAccountsCRUD(t *testing.T) {
	a, _ := newTestAPI(t, "")

	rec := doRequest(a, http.MethodPost, "/api/accounts",
		`{"name":"Work","server":"sip.example.com","user_id":"alice","password":"secret","port":8089,"transport":"WSS"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created account.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doRequest(a, http.MethodGet, "/api/accounts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []account.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
	assert.Equal(t, account.StatusUnregistered, listed[0].Status)

	rec = doRequest(a, http.MethodDelete, "/api/accounts/"+created.ID, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(a, http.MethodDelete, "/api/accounts/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIStatus(t *testing.T) {
	a, _ := newTestAPI(t, "")

	rec := doRequest(a, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unregistered", status["registration"])
	assert.Equal(t, "idle", status["call_state"])
}

func TestAPIAuth(t *testing.T) {
	a, _ := newTestAPI(t, "testing-secret")

	rec := doRequest(a, http.MethodGet, "/api/accounts", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(a, http.MethodPost, "/api/login", `{"user_id":"alice"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login["token"])

	rec = doRequest(a, http.MethodGet, "/api/accounts", "", login["token"])
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(a, http.MethodGet, "/api/accounts", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPICallWithoutEngine(t *testing.T) {
	a, _ := newTestAPI(t, "")

	rec := doRequest(a, http.MethodPost, "/api/call", `{"target":"bob"}`, "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = doRequest(a, http.MethodPost, "/api/call", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(a, http.MethodPost, "/api/call/hangup", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
