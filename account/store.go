// SPDX-License-Identifier: MPL-2.0

package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	accountsKey = "softphone:accounts"
	activeKey   = "softphone:active"
)

var (
	// ErrAccountNotFound is returned by mutations targeting an unknown id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrStorage wraps write failures of the persistence substrate.
	ErrStorage = errors.New("storage failure")
	// ErrBadTransition is returned when a status change violates the legal edges.
	ErrBadTransition = errors.New("illegal status transition")
)

// Store is the durable account collection plus the active account pointer.
// Every mutation rewrites the whole collection, which is fine at the scale of
// a handful of accounts.
type Store struct {
	kv      KV
	secrets Secrets
	log     zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

type StoreOption func(s *Store)

func WithSecrets(sec Secrets) StoreOption {
	return func(s *Store) {
		s.secrets = sec
	}
}

func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

func NewStore(kv KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:      kv,
		secrets: PlainSecrets{},
		log:     log.Logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns all stored accounts. Read or decode failures degrade to an
// empty collection; they never propagate.
func (s *Store) List(ctx context.Context) []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the account with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	for i := range accs {
		if accs[i].ID == id {
			a := accs[i]
			return &a, nil
		}
	}
	return nil, ErrAccountNotFound
}

// Add assigns id, timestamps and the unregistered status, persists and
// returns the new record.
func (s *Store) Add(ctx context.Context, d Draft) (*Account, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	acc := Account{
		ID:          uuid.NewString(),
		Name:        d.Name,
		Server:      d.Server,
		UserID:      d.UserID,
		Password:    d.Password,
		Port:        d.Port,
		Transport:   d.Transport,
		WSPath:      d.WSPath,
		DisplayName: d.DisplayName,
		Status:      StatusUnregistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	accs := append(s.load(ctx), acc)
	if err := s.save(ctx, accs); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Update merges the partial fields into the account and bumps UpdatedAt.
// Returns ErrAccountNotFound without touching storage when id is unknown.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	for i := range accs {
		if accs[i].ID != id {
			continue
		}
		if err := u.apply(&accs[i]); err != nil {
			return nil, err
		}
		accs[i].UpdatedAt = s.now().UTC()
		if err := s.save(ctx, accs); err != nil {
			return nil, err
		}
		a := accs[i]
		return &a, nil
	}
	return nil, ErrAccountNotFound
}

// SetStatus applies an engine driven status change. It reports whether the
// stored value actually changed so callers can suppress duplicate events.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	for i := range accs {
		if accs[i].ID != id {
			continue
		}
		if accs[i].Status == status {
			return false, nil
		}
		if !accs[i].Status.CanTransition(status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrBadTransition, accs[i].Status, status)
		}
		accs[i].Status = status
		accs[i].UpdatedAt = s.now().UTC()
		if err := s.save(ctx, accs); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, ErrAccountNotFound
}

// Delete removes the account and reports whether something was removed.
// Deleting the active account clears the active pointer.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	for i := range accs {
		if accs[i].ID != id {
			continue
		}
		accs = append(accs[:i], accs[i+1:]...)
		if err := s.save(ctx, accs); err != nil {
			return false, err
		}
		if active, ok := s.activeID(ctx); ok && active == id {
			if err := s.kv.Del(ctx, activeKey); err != nil {
				return true, fmt.Errorf("%w: clearing active pointer: %v", ErrStorage, err)
			}
		}
		return true, nil
	}
	return false, nil
}

// ActiveID returns the active account pointer, if set.
func (s *Store) ActiveID(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID(ctx)
}

func (s *Store) activeID(ctx context.Context) (string, bool) {
	val, err := s.kv.Get(ctx, activeKey)
	if err != nil || len(val) == 0 {
		return "", false
	}
	return string(val), true
}

func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	for i := range accs {
		if accs[i].ID == id {
			if err := s.kv.Set(ctx, activeKey, []byte(id)); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			return nil
		}
	}
	return ErrAccountNotFound
}

func (s *Store) ClearActive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Del(ctx, activeKey); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// ResetStatuses marks every account unregistered. Ran at startup when the
// host process cannot carry registrations across restarts.
func (s *Store) ResetStatuses(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accs := s.load(ctx)
	if len(accs) == 0 {
		return nil
	}
	now := s.now().UTC()
	for i := range accs {
		if accs[i].Status != StatusUnregistered {
			accs[i].Status = StatusUnregistered
			accs[i].UpdatedAt = now
		}
	}
	return s.save(ctx, accs)
}

func (s *Store) load(ctx context.Context) []Account {
	val, err := s.kv.Get(ctx, accountsKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.log.Warn().Err(err).Msg("Reading accounts failed, treating as empty")
		}
		return nil
	}

	var accs []Account
	if err := json.Unmarshal(val, &accs); err != nil {
		s.log.Warn().Err(err).Msg("Decoding accounts failed, treating as empty")
		return nil
	}

	for i := range accs {
		plain, err := s.secrets.Open(accs[i].Password)
		if err != nil {
			s.log.Warn().Err(err).Str("id", accs[i].ID).Msg("Opening sealed password failed")
			continue
		}
		accs[i].Password = plain
	}
	return accs
}

func (s *Store) save(ctx context.Context, accs []Account) error {
	sealed := make([]Account, len(accs))
	copy(sealed, accs)
	for i := range sealed {
		val, err := s.secrets.Seal(sealed[i].Password)
		if err != nil {
			return fmt.Errorf("%w: sealing password: %v", ErrStorage, err)
		}
		sealed[i].Password = val
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.kv.Set(ctx, accountsKey, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
