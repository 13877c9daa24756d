package csrf

import (
	"errors"
	"sync"
	"time"

	"github.com/sofatutor/deckguard/internal/obfuscate"
	"go.uber.org/zap"
)

// ErrTokenNotFound is returned by Lookup for unknown or purged tokens.
var ErrTokenNotFound = errors.New("csrf token not found")

// Config tunes a Store.
type Config struct {
	RotationInterval  time.Duration
	GracePeriod       time.Duration
	MaxTokensPerOwner int
	// MaxAnonymousTokens caps tokens issued without an owner. The oldest is
	// evicted once the cap is reached.
	MaxAnonymousTokens int
	SweepInterval      time.Duration
	// Secure marks cookies Secure. Enable in production.
	Secure bool
	// AllowCookieFallback accepts the readable cookie as the server copy
	// when the meta cookie is missing.
	AllowCookieFallback bool
	// MaxBodyBytes bounds how much of a request body is read to find FormField.
	MaxBodyBytes int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RotationInterval:   4 * time.Hour,
		GracePeriod:        5 * time.Minute,
		MaxTokensPerOwner:  5,
		MaxAnonymousTokens: 50000,
		SweepInterval:      10 * time.Minute,
		Secure:             true,
		MaxBodyBytes:       64 << 10,
	}
}

// Store issues, validates and retires tokens. It is safe for concurrent use.
type Store struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token
	// owners lists each owner's token values, oldest first.
	owners map[string][]string
	// anonymous lists ownerless token values, oldest first.
	anonymous []string

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewStore creates a Store. Zero config fields take their defaults.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.MaxTokensPerOwner <= 0 {
		cfg.MaxTokensPerOwner = def.MaxTokensPerOwner
	}
	if cfg.MaxAnonymousTokens <= 0 {
		cfg.MaxAnonymousTokens = def.MaxAnonymousTokens
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		tokens: make(map[string]*Token),
		owners: make(map[string][]string),
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Issue creates a new token, evicting the owner's oldest token when the
// owner is at the cap. Ownerless tokens share MaxAnonymousTokens.
func (s *Store) Issue(ownerID string) (Token, error) {
	value, err := generateValue()
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	t := &Token{
		Value:     value,
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RotationInterval),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[value] = t
	if ownerID != "" {
		list := append(s.owners[ownerID], value)
		for len(list) > s.cfg.MaxTokensPerOwner {
			evicted := list[0]
			list = list[1:]
			delete(s.tokens, evicted)
			s.logger.Debug("evicted csrf token over owner cap",
				zap.String("owner_id", ownerID),
				zap.String("token", obfuscate.ObfuscateTokenGeneric(evicted)))
		}
		s.owners[ownerID] = list
		return *t, nil
	}

	s.anonymous = append(s.anonymous, value)
	if n := len(s.anonymous) - s.cfg.MaxAnonymousTokens; n > 0 {
		for _, evicted := range s.anonymous[:n] {
			delete(s.tokens, evicted)
		}
		s.anonymous = s.anonymous[n:]
		s.logger.Debug("evicted anonymous csrf tokens over cap", zap.Int("count", n))
	}
	return *t, nil
}

// IssueOrReuse returns current when it is a known, unexpired token of
// ownerID, else the owner's newest unexpired token, else a new token.
func (s *Store) IssueOrReuse(ownerID, current string) (Token, error) {
	now := s.now()
	s.mu.Lock()
	if t, ok := s.tokens[current]; ok && t.OwnerID == ownerID && now.Before(t.ExpiresAt) {
		s.mu.Unlock()
		return *t, nil
	}
	if ownerID != "" {
		list := s.owners[ownerID]
		for i := len(list) - 1; i >= 0; i-- {
			if t, ok := s.tokens[list[i]]; ok && now.Before(t.ExpiresAt) {
				s.mu.Unlock()
				return *t, nil
			}
		}
	}
	s.mu.Unlock()
	return s.Issue(ownerID)
}

// Rotate issues a new token for ownerID and retires previous so that it
// remains usable for exactly the grace period from now. An anonymous
// previous token may be retired by any owner, which covers login.
func (s *Store) Rotate(ownerID, previous string) (Token, error) {
	t, err := s.Issue(ownerID)
	if err != nil {
		return Token{}, err
	}
	if previous == "" {
		return t, nil
	}
	now := s.now()
	s.mu.Lock()
	if old, ok := s.tokens[previous]; ok && (old.OwnerID == "" || old.OwnerID == ownerID) && old.ExpiresAt.After(now) {
		old.ExpiresAt = now
	}
	s.mu.Unlock()
	return t, nil
}

// Lookup returns a copy of the token with the given value.
func (s *Store) Lookup(value string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return *t, nil
}

// Len returns the number of tokens held, including ones in their grace period.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Sweep purges tokens past their grace period and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, t := range s.tokens {
		if !t.usableAt(now, s.cfg.GracePeriod) {
			delete(s.tokens, value)
			removed++
		}
	}
	for owner, list := range s.owners {
		kept := list[:0]
		for _, value := range list {
			if _, ok := s.tokens[value]; ok {
				kept = append(kept, value)
			}
		}
		if len(kept) == 0 {
			delete(s.owners, owner)
		} else {
			s.owners[owner] = kept
		}
	}
	kept := s.anonymous[:0]
	for _, value := range s.anonymous {
		if _, ok := s.tokens[value]; ok {
			kept = append(kept, value)
		}
	}
	s.anonymous = kept
	return removed
}

// Start launches the background sweep. Calling Start on a running Store is a no-op.
func (s *Store) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.sweepLoop(s.stopCh, s.doneCh)
}

// Stop halts the background sweep and waits for it to exit. Safe to call repeatedly.
func (s *Store) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil
	s.doneCh = nil
}

func (s *Store) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("purged expired csrf tokens", zap.Int("count", n))
			}
		}
	}
}
