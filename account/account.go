// SPDX-License-Identifier: MPL-2.0

package account

import (
	"fmt"
	"strings"
	"time"
)

// Transport is the signaling transport configured on an account.
// The phone facade only places registrations over websocket transports,
// but UDP/TCP stay representable so imported configs do not get rejected
// at the storage layer.
type Transport string

const (
	TransportWS  Transport = "WS"
	TransportWSS Transport = "WSS"
	TransportUDP Transport = "UDP"
	TransportTCP Transport = "TCP"
)

func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToUpper(strings.TrimSpace(s))); t {
	case TransportWS, TransportWSS, TransportUDP, TransportTCP:
		return t, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// IsWebsocket reports whether the transport can be used by the phone facade.
func (t Transport) IsWebsocket() bool {
	return t == TransportWS || t == TransportWSS
}

// Status is the last known registration state of an account.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusConnecting   Status = "connecting"
	StatusRegistered   Status = "registered"
	StatusFailed       Status = "failed"
)

// CanTransition reports whether moving to next is a legal registration edge.
// Any state may fall back to unregistered (explicit disconnect or teardown).
func (s Status) CanTransition(next Status) bool {
	if next == StatusUnregistered {
		return true
	}
	switch s {
	case StatusUnregistered, StatusFailed:
		return next == StatusConnecting
	case StatusConnecting:
		return next == StatusRegistered || next == StatusFailed
	}
	return false
}

// Account is one registrable SIP identity.
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Server      string    `json:"server"`
	UserID      string    `json:"user_id"`
	Password    string    `json:"password"`
	Port        int       `json:"port"`
	Transport   Transport `json:"transport"`
	WSPath      string    `json:"ws_path,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// URI is the SIP identity of the account, sip:user@server.
func (a *Account) URI() string {
	return fmt.Sprintf("sip:%s@%s", a.UserID, a.Server)
}

// Draft holds the caller supplied fields of a new account. ID, status and
// timestamps are assigned by the store.
type Draft struct {
	Name        string    `json:"name"`
	Server      string    `json:"server"`
	UserID      string    `json:"user_id"`
	Password    string    `json:"password"`
	Port        int       `json:"port"`
	Transport   Transport `json:"transport"`
	WSPath      string    `json:"ws_path,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.Server) == "" {
		return fmt.Errorf("server is required")
	}
	if strings.TrimSpace(d.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range", d.Port)
	}
	if _, err := ParseTransport(string(d.Transport)); err != nil {
		return err
	}
	return nil
}

// Update carries a partial mutation. Nil fields are left untouched.
type Update struct {
	Name        *string    `json:"name,omitempty"`
	Server      *string    `json:"server,omitempty"`
	UserID      *string    `json:"user_id,omitempty"`
	Password    *string    `json:"password,omitempty"`
	Port        *int       `json:"port,omitempty"`
	Transport   *Transport `json:"transport,omitempty"`
	WSPath      *string    `json:"ws_path,omitempty"`
	DisplayName *string    `json:"display_name,omitempty"`
}

func (u Update) apply(a *Account) error {
	if u.Name != nil {
		a.Name = *u.Name
	}
	if u.Server != nil {
		if strings.TrimSpace(*u.Server) == "" {
			return fmt.Errorf("server is required")
		}
		a.Server = *u.Server
	}
	if u.UserID != nil {
		a.UserID = *u.UserID
	}
	if u.Password != nil {
		a.Password = *u.Password
	}
	if u.Port != nil {
		if *u.Port < 1 || *u.Port > 65535 {
			return fmt.Errorf("port %d out of range", *u.Port)
		}
		a.Port = *u.Port
	}
	if u.Transport != nil {
		t, err := ParseTransport(string(*u.Transport))
		if err != nil {
			return err
		}
		a.Transport = t
	}
	if u.WSPath != nil {
		a.WSPath = *u.WSPath
	}
	if u.DisplayName != nil {
		a.DisplayName = *u.DisplayName
	}
	return nil
}
