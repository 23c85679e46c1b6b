// Package redis implements a key-value endpoint store on Redis. The record
// is kept as one JSON document under a single key so every write is a
// single SET.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// DefaultKey is the Redis key used when Options.Key is empty.
const DefaultKey = "tunnelrelay:endpoint"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
	SkipPing bool
}

// Store keeps the endpoint record in Redis.
type Store struct {
	client goredis.UniversalClient
	key    string
}

type document struct {
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Open connects to Redis and verifies the connection with PING unless
// SkipPing is set.
func Open(ctx context.Context, opts Options) (*Store, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis addr can't be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if !opts.SkipPing {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", addr, err)
		}
	}
	return New(client, opts.Key), nil
}

// New wraps an existing client. An empty key selects [DefaultKey].
func New(client goredis.UniversalClient, key string) *Store {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Get returns the current record; ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context) (domain.EndpointRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.EndpointRecord{}, false, nil
	}
	if err != nil {
		return domain.EndpointRecord{}, false, storageError("get endpoint", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.EndpointRecord{}, false, storageError("decode endpoint", err)
	}
	if doc.URL == "" {
		return domain.EndpointRecord{}, false, nil
	}
	return domain.EndpointRecord{URL: doc.URL, UpdatedAt: doc.UpdatedAt.UTC()}, true, nil
}

// Put replaces the record with url and the current time.
func (s *Store) Put(ctx context.Context, url string) (domain.EndpointRecord, error) {
	rec := domain.EndpointRecord{URL: url, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(document{URL: rec.URL, UpdatedAt: rec.UpdatedAt})
	if err != nil {
		return domain.EndpointRecord{}, err
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return domain.EndpointRecord{}, storageError("put endpoint", err)
	}
	return rec, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}
