package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
)

// HashClient is the subset of pkg/redis.Client the Redis store needs.
type HashClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSetAtomic(ctx context.Context, key string, fields map[string]string) error
}

// RedisStore keeps marks in a single hash keyed by file name. Durability
// follows the server's persistence settings.
type RedisStore struct {
	client HashClient
	key    string
}

// NewRedisStore creates a RedisStore using the hash <prefix>:files.
func NewRedisStore(client HashClient, prefix string) *RedisStore {
	return &RedisStore{client: client, key: prefix + ":files"}
}

func (s *RedisStore) Load(ctx context.Context) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return State{}, fmt.Errorf("loading checkpoint hash: %w", err)
	}
	marks := make([]FileMark, 0, len(fields))
	for name, raw := range fields {
		var m FileMark
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return State{}, apperrors.Corruptf("%s[%s]: %v", s.key, name, err)
		}
		if m.Name != name {
			return State{}, apperrors.Corruptf("%s[%s]: mark names %q", s.key, name, m.Name)
		}
		marks = append(marks, m)
	}
	return NewState(marks...), nil
}

func (s *RedisStore) Advance(ctx context.Context, state State, marks []FileMark) (State, error) {
	pending := state.fresh(marks)
	if len(pending) == 0 {
		return state, nil
	}
	fields := make(map[string]string, len(pending))
	for _, m := range pending {
		m.CommittedAt = m.CommittedAt.UTC()
		b, err := json.Marshal(m)
		if err != nil {
			return state, fmt.Errorf("encoding mark for %s: %w", m.Name, err)
		}
		fields[m.Name] = string(b)
	}
	if err := s.client.HSetAtomic(ctx, s.key, fields); err != nil {
		return state, err
	}
	return state.With(pending), nil
}
