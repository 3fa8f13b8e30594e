package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mindforge/internal/models"
	"mindforge/internal/redis"
)

const transcriptTTL = 30 * time.Minute

// TranscriptCache keeps a redis copy of each user's persisted transcript so
// a session restart can skip the database read. Only persisted rows are
// cached; in-flight and partial messages never leave process memory.
//
// Every method tolerates a nil receiver or a nil client, so callers can run
// without redis entirely.
type TranscriptCache struct {
	client *redis.Client
}

func NewTranscriptCache(client *redis.Client) *TranscriptCache {
	return &TranscriptCache{client: client}
}

func transcriptKey(userID int64) string {
	return fmt.Sprintf("chat:transcript:%d", userID)
}

// Load returns the cached transcript and whether the cache held one.
func (c *TranscriptCache) Load(ctx context.Context, userID int64) ([]*models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, transcriptKey(userID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("transcript cache read user=%d: %v", userID, err)
		}
		return nil, false
	}
	var msgs []*models.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		log.Printf("transcript cache decode user=%d: %v", userID, err)
		return nil, false
	}
	return msgs, true
}

// Store replaces the cached transcript.
func (c *TranscriptCache) Store(ctx context.Context, userID int64, msgs []*models.Message) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		log.Printf("transcript cache encode user=%d: %v", userID, err)
		return
	}
	if err := c.client.Set(ctx, transcriptKey(userID), data, transcriptTTL); err != nil {
		log.Printf("transcript cache write user=%d: %v", userID, err)
	}
}

// Invalidate drops the cached transcript.
func (c *TranscriptCache) Invalidate(ctx context.Context, userID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, transcriptKey(userID)); err != nil {
		log.Printf("transcript cache delete user=%d: %v", userID, err)
	}
}
