// SPDX-License-Identifier: MPL-2.0

package account

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDraft() Draft {
	return Draft{
		Name:      "Work",
		Server:    "sip.example.com",
		UserID:    "alice",
		Password:  "secret",
		Port:      8089,
		Transport: TransportWSS,
	}
}

func TestStoreAddGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	acc, err := s.Add(ctx, testDraft())
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, StatusUnregistered, acc.Status)
	assert.False(t, acc.CreatedAt.IsZero())
	assert.Equal(t, acc.CreatedAt, acc.UpdatedAt)

	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, "secret", got.Password)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.Add(ctx, Draft{})
	assert.Error(t, err)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	acc, err := s.Add(ctx, testDraft())
	require.NoError(t, err)

	name := "Home"
	got, err := s.Update(ctx, acc.ID, Update{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Home", got.Name)
	assert.False(t, got.UpdatedAt.Before(acc.UpdatedAt))

	_, err = s.Update(ctx, "nope", Update{Name: &name})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestStoreSetStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	acc, err := s.Add(ctx, testDraft())
	require.NoError(t, err)

	changed, err := s.SetStatus(ctx, acc.ID, StatusConnecting)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same status again is a silent no-op.
	changed, err = s.SetStatus(ctx, acc.ID, StatusConnecting)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SetStatus(ctx, acc.ID, StatusRegistered)
	require.NoError(t, err)
	assert.True(t, changed)

	// Registered cannot jump to failed.
	_, err = s.SetStatus(ctx, acc.ID, StatusFailed)
	assert.ErrorIs(t, err, ErrBadTransition)

	// But always back down to unregistered.
	changed, err = s.SetStatus(ctx, acc.ID, StatusUnregistered)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.SetStatus(ctx, "nope", StatusConnecting)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestStoreDeleteClearsActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	acc, err := s.Add(ctx, testDraft())
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, acc.ID))

	id, ok := s.ActiveID(ctx)
	require.True(t, ok)
	assert.Equal(t, acc.ID, id)

	removed, err := s.Delete(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok = s.ActiveID(ctx)
	assert.False(t, ok)

	removed, err = s.Delete(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStoreSetActiveUnknown(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())
	assert.ErrorIs(t, s.SetActive(ctx, "nope"), ErrAccountNotFound)
}

func TestStoreResetStatuses(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	a1, err := s.Add(ctx, testDraft())
	require.NoError(t, err)
	d2 := testDraft()
	d2.UserID = "bob"
	a2, err := s.Add(ctx, d2)
	require.NoError(t, err)

	_, err = s.SetStatus(ctx, a1.ID, StatusConnecting)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, a1.ID, StatusRegistered)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, a2.ID, StatusConnecting)
	require.NoError(t, err)

	require.NoError(t, s.ResetStatuses(ctx))
	for _, acc := range s.List(ctx) {
		assert.Equal(t, StatusUnregistered, acc.Status)
	}
}

// reverseSecrets is a trivial non-plaintext scheme for observing sealing at
// the storage layer.
type reverseSecrets struct{}

func (reverseSecrets) Seal(plain string) (string, error) {
	return reverse(plain), nil
}

func (reverseSecrets) Open(sealed string) (string, error) {
	return reverse(sealed), nil
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func TestStoreSealsPasswords(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewStore(kv, WithSecrets(reverseSecrets{}))

	acc, err := s.Add(ctx, testDraft())
	require.NoError(t, err)

	// On the wire the password is sealed.
	raw, err := kv.Get(ctx, "softphone:accounts")
	require.NoError(t, err)
	var stored []Account
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "terces", stored[0].Password)

	// Through the store it is plaintext again.
	got, err := s.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Password)
}

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	_, err := kv.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	val, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	// Mutating the returned slice does not touch the stored copy.
	val[0] = 'x'
	val2, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val2)

	require.NoError(t, kv.Del(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}
