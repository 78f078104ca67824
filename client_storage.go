package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go-case-intake/intake"
)

// ClientStorage hands out the token slot and completion mailbox of each browser
// client. Should be safe to use concurrently.
type ClientStorage interface {
	Tokens(clientID string) intake.TokenStore
	Mailbox(clientID string) intake.Mailbox
}

// Timeout bounds how long a client's token and completion message are kept in redis.
const Timeout time.Duration = 24 * time.Hour

func createKey(namespace, slot, clientID string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, slot, clientID)
}

// ------------------------------------------------------------------------------

type InMemoryClientStorage struct {
	mutex     sync.Mutex
	tokens    map[string]*intake.MemoryTokenStore
	mailboxes map[string]*intake.MemoryMailbox
}

func NewInMemoryClientStorage() *InMemoryClientStorage {
	return &InMemoryClientStorage{
		tokens:    make(map[string]*intake.MemoryTokenStore),
		mailboxes: make(map[string]*intake.MemoryMailbox),
	}
}

func (s *InMemoryClientStorage) Tokens(clientID string) intake.TokenStore {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	store, ok := s.tokens[clientID]
	if !ok {
		store = intake.NewMemoryTokenStore()
		s.tokens[clientID] = store
	}
	return store
}

func (s *InMemoryClientStorage) Mailbox(clientID string) intake.Mailbox {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	box, ok := s.mailboxes[clientID]
	if !ok {
		box = intake.NewMemoryMailbox()
		s.mailboxes[clientID] = box
	}
	return box
}

// ------------------------------------------------------------------------------

type RedisClientStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisClientStorage(client *redis.Client, namespace string) *RedisClientStorage {
	return &RedisClientStorage{client: client, namespace: namespace}
}

func (s *RedisClientStorage) Tokens(clientID string) intake.TokenStore {
	return &redisTokenStore{client: s.client, key: createKey(s.namespace, "token", clientID)}
}

func (s *RedisClientStorage) Mailbox(clientID string) intake.Mailbox {
	return &redisMailbox{client: s.client, key: createKey(s.namespace, intake.CompletionSlot, clientID)}
}

type redisTokenStore struct {
	client *redis.Client
	key    string
}

type storedToken struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

func (s *redisTokenStore) Set(ctx context.Context, token intake.Token) error {
	payload, err := json.Marshal(storedToken{Value: token.Value, StoredAt: token.StoredAt})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return s.client.Set(ctx, s.key, payload, Timeout).Err()
}

func (s *redisTokenStore) Get(ctx context.Context) (intake.Token, bool, error) {
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return intake.Token{}, false, nil
	}
	if err != nil {
		return intake.Token{}, false, err
	}

	var stored storedToken
	if err := json.Unmarshal(payload, &stored); err != nil {
		return intake.Token{}, false, fmt.Errorf("failed to decode token: %w", err)
	}
	return intake.Token{Value: stored.Value, StoredAt: stored.StoredAt}, true, nil
}

type redisMailbox struct {
	client *redis.Client
	key    string
}

func (m *redisMailbox) Post(ctx context.Context, message string) error {
	return m.client.Set(ctx, m.key, message, Timeout).Err()
}

// Take reads and deletes the message in one GETDEL.
func (m *redisMailbox) Take(ctx context.Context) (string, bool, error) {
	message, err := m.client.GetDel(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return message, true, nil
}
