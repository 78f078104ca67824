package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Token is the opaque authorization payload issued by a successful verification.
// Value is kept byte for byte and sent verbatim.
type Token struct {
	Value    []byte
	StoredAt time.Time
}

func (t Token) String() string {
	return string(t.Value)
}

// TokenStore is a single slot holding the most recently issued token.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Set replaces whatever token is held.
	Set(ctx context.Context, token Token) error

	// Get returns the held token; ok is false when the slot is empty.
	// An empty slot is not an error.
	Get(ctx context.Context) (token Token, ok bool, err error)
}

type MemoryTokenStore struct {
	mutex sync.RWMutex
	token Token
	held  bool
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Set(_ context.Context, token Token) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	value := make([]byte, len(token.Value))
	copy(value, token.Value)
	s.token = Token{Value: value, StoredAt: token.StoredAt}
	s.held = true
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context) (Token, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.token, s.held, nil
}

// TokenPolicy decides what happens to authorized requests carrying an old token.
// The zero value lets every token through and leaves rejection to the server.
type TokenPolicy struct {
	MaxAge      time.Duration
	RejectStale bool
}

func (p TokenPolicy) stale(token Token, now time.Time) bool {
	return p.RejectStale && p.MaxAge > 0 && now.Sub(token.StoredAt) > p.MaxAge
}

// Credential is the authorization handle threaded through every component that
// talks to the remote services for one workflow.
type Credential struct {
	store  TokenStore
	policy TokenPolicy
	now    func() time.Time
}

func NewCredential(store TokenStore, policy TokenPolicy) *Credential {
	return &Credential{store: store, policy: policy, now: time.Now}
}

// Store overwrites the held token with value.
func (c *Credential) Store(ctx context.Context, value []byte) error {
	return c.store.Set(ctx, Token{Value: value, StoredAt: c.now()})
}

// Token returns the held token, if any.
func (c *Credential) Token(ctx context.Context) (Token, bool, error) {
	return c.store.Get(ctx)
}

// Header returns the Authorization header value for an authorized request.
// An empty slot yields "" and the request goes out without the header.
func (c *Credential) Header(ctx context.Context) (string, error) {
	token, ok, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if !ok || len(token.Value) == 0 {
		slog.Debug("No authorization token held, sending request without it")
		return "", nil
	}
	if c.policy.stale(token, c.now()) {
		slog.Warn("Rejecting stale authorization token", "stored_at", token.StoredAt, "max_age", c.policy.MaxAge)
		return "", ErrStaleToken
	}
	return token.String(), nil
}
