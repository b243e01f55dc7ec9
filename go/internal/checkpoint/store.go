package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/metrics"
)

// Checkpoint is one advisory heartbeat snapshot. It lets the server recover a
// value close to truth if the push channel dies without a clean disconnect;
// it never raises the canonical counter.
type Checkpoint struct {
	TimerValue    int       `json:"timerValue"`
	WifiConnected bool      `json:"wifiConnected"`
	At            time.Time `json:"at"`
}

// Store keeps the latest checkpoint per student in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a checkpoint store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: 24 * time.Hour}
}

func key(studentID string) string {
	return "hb:" + studentID
}

// Put overwrites the student's checkpoint.
func (s *Store) Put(ctx context.Context, studentID string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, key(studentID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	metrics.HeartbeatCheckpoints.Inc()
	return nil
}

// Get returns the latest checkpoint, or nil when none exists.
func (s *Store) Get(ctx context.Context, studentID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, key(studentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
