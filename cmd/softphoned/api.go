// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobertone/softphone"
	"github.com/mirkobertone/softphone/account"
)

// API is the local control surface of the softphone daemon: account CRUD,
// registration control, and basic call control.
type API struct {
	store *account.Store
	phone *softphone.Phone
	calls *softphone.CallController
	auth  *Auth

	e *echo.Echo
}

func NewAPI(store *account.Store, phone *softphone.Phone, calls *softphone.CallController, jwtSecret string) *API {
	a := &API{
		store: store,
		phone: phone,
		calls: calls,
	}
	if jwtSecret != "" {
		a.auth = NewAuth([]byte(jwtSecret))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if a.auth != nil {
		e.POST("/api/login", a.login)
	}

	api := e.Group("/api")
	if a.auth != nil {
		api.Use(a.auth.Middleware)
	}

	api.GET("/accounts", a.listAccounts)
	api.POST("/accounts", a.createAccount)
	api.PUT("/accounts/:id", a.updateAccount)
	api.DELETE("/accounts/:id", a.deleteAccount)
	api.POST("/accounts/:id/connect", a.connectAccount)
	api.POST("/accounts/:id/disconnect", a.disconnectAccount)

	api.GET("/status", a.getStatus)

	api.POST("/call", a.startCall)
	api.POST("/call/answer", a.answerCall)
	api.POST("/call/hangup", a.hangupCall)

	a.e = e
	return a
}

func (a *API) Start(addr string) error {
	return a.e.Start(addr)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.e.Shutdown(ctx)
}

func (a *API) login(c echo.Context) error {
	var data struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&data); err != nil || data.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	token, err := a.auth.GenerateToken(data.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (a *API) listAccounts(c echo.Context) error {
	return c.JSON(http.StatusOK, a.store.List(c.Request().Context()))
}

func (a *API) createAccount(c echo.Context) error {
	var draft account.Draft
	if err := c.Bind(&draft); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	acc, err := a.store.Add(c.Request().Context(), draft)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, acc)
}

func (a *API) updateAccount(c echo.Context) error {
	var upd account.Update
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	acc, err := a.store.Update(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return a.storeError(c, err)
	}
	return c.JSON(http.StatusOK, acc)
}

func (a *API) deleteAccount(c echo.Context) error {
	removed, err := a.store.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.storeError(c, err)
	}
	if !removed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": account.ErrAccountNotFound.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (a *API) connectAccount(c echo.Context) error {
	ctx := c.Request().Context()
	acc, err := a.store.Get(ctx, c.Param("id"))
	if err != nil {
		return a.storeError(c, err)
	}

	started, err := a.phone.RegisterAccount(ctx, acc)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	if !started {
		return c.JSON(http.StatusConflict, map[string]string{"error": "registration already in progress"})
	}

	if err := a.store.SetActive(ctx, acc.ID); err != nil {
		return a.storeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (a *API) disconnectAccount(c echo.Context) error {
	if err := a.phone.Unregister(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (a *API) getStatus(c echo.Context) error {
	status := map[string]interface{}{
		"registration": a.phone.RegistrationState(),
		"call_state":   a.calls.State(),
	}
	if acc := a.phone.CurrentAccount(); acc != nil {
		status["account_id"] = acc.ID
		status["account_uri"] = acc.URI()
	}
	if remote := a.calls.Remote(); remote != "" {
		status["call_remote"] = remote
		status["call_direction"] = a.calls.Direction()
		status["call_duration"] = softphone.FormatDuration(a.calls.Duration())
	}
	return c.JSON(http.StatusOK, status)
}

func (a *API) startCall(c echo.Context) error {
	var data struct {
		Target string `json:"target"`
	}
	if err := c.Bind(&data); err != nil || data.Target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "target is required"})
	}

	if err := a.calls.StartCall(c.Request().Context(), data.Target); err != nil {
		return a.callError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (a *API) answerCall(c echo.Context) error {
	if err := a.calls.AnswerCall(c.Request().Context()); err != nil {
		return a.callError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (a *API) hangupCall(c echo.Context) error {
	if err := a.calls.HangupCall(c.Request().Context()); err != nil {
		return a.callError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (a *API) storeError(c echo.Context, err error) error {
	if err == account.ErrAccountNotFound {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (a *API) callError(c echo.Context, err error) error {
	switch err {
	case softphone.ErrEmptyTarget:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case softphone.ErrCallInProgress:
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case softphone.ErrNoActiveCall:
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case softphone.ErrNotConnected, softphone.ErrNotRegistered:
		return c.JSON(http.StatusPreconditionFailed, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}
