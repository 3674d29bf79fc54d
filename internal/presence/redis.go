// Package presence tracks which users currently hold a live connection
// to each document. Membership lives in a shared Redis set so that
// every server process sees the same view.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

type Tracker struct {
	client *redis.Client
}

func New(redisURL string) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Tracker{client: client}, nil
}

func NewWithClient(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func key(documentID string) string {
	return "doc:" + documentID + ":users"
}

func (t *Tracker) Join(ctx context.Context, documentID, userID string) error {
	if err := t.client.SAdd(ctx, key(documentID), userID).Err(); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

func (t *Tracker) Leave(ctx context.Context, documentID, userID string) error {
	if err := t.client.SRem(ctx, key(documentID), userID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Members returns the user ids currently joined to a document, sorted
// so that successive reads of the same membership compare equal.
func (t *Tracker) Members(ctx context.Context, documentID string) ([]string, error) {
	members, err := t.client.SMembers(ctx, key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (t *Tracker) Close() error {
	return t.client.Close()
}
