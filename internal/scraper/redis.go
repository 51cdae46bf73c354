package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tickerd/tickerd/internal/config"
)

// popTimeout bounds each BRPOP so the reader notices shutdown promptly.
const popTimeout = time.Second

// RedisBus speaks the durable-queue variant of the worker protocol:
// requests are LPUSHed as JSON onto a high- or low-priority task list and
// mirrored into a pending hash; replies arrive on a results list; a
// processed set deduplicates repeated sessions.
type RedisBus struct {
	client *redis.Client
	cfg    config.RedisConfig

	replies chan Reply
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisBus connects to redis and starts the reply reader. The
// connection is verified with a Ping so a missing broker fails at startup
// rather than silently starving the scrape source.
func NewRedisBus(cfg config.RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("scraper: redis ping %s: %w", cfg.Addr(), err)
	}

	b := &RedisBus{
		client:  client,
		cfg:     cfg,
		replies: make(chan Reply, 64),
		stopCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// PublishRequest implements Bus.
func (b *RedisBus) PublishRequest(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("scraper: marshal request: %w", err)
	}

	queue := b.cfg.TasksQueueLow
	if req.Priority == PriorityHigh {
		queue = b.cfg.TasksQueueHigh
	}
	if err := b.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("scraper: lpush %s: %w", queue, err)
	}
	// The pending hash lets the worker (and operators) see in-flight
	// sessions; best effort.
	if err := b.client.HSet(ctx, b.cfg.PendingHash, req.SessionID, payload).Err(); err != nil {
		log.Printf("[scrape] pending hash set for %s: %v", req.SessionID, err)
	}
	return nil
}

// Replies implements Bus.
func (b *RedisBus) Replies() <-chan Reply { return b.replies }

// MarkProcessed implements Bus.
func (b *RedisBus) MarkProcessed(ctx context.Context, sessionID string) error {
	if err := b.client.SAdd(ctx, b.cfg.ProcessedSet, sessionID).Err(); err != nil {
		return fmt.Errorf("scraper: sadd processed: %w", err)
	}
	if err := b.client.HDel(ctx, b.cfg.PendingHash, sessionID).Err(); err != nil {
		log.Printf("[scrape] pending hash del for %s: %v", sessionID, err)
	}
	return nil
}

// IsProcessed implements Bus.
func (b *RedisBus) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.cfg.ProcessedSet, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("scraper: sismember processed: %w", err)
	}
	return ok, nil
}

// ClearProcessed implements Bus.
func (b *RedisBus) ClearProcessed(ctx context.Context) error {
	if err := b.client.Del(ctx, b.cfg.ProcessedSet).Err(); err != nil {
		return fmt.Errorf("scraper: clear processed set: %w", err)
	}
	return nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.once.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	return b.client.Close()
}

// readLoop drains the results queue into the replies channel until Close.
func (b *RedisBus) readLoop() {
	defer b.wg.Done()
	defer close(b.replies)

	ctx := context.Background()
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		res, err := b.client.BRPop(ctx, popTimeout, b.cfg.ResultsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // pop timeout, re-check stopCh
			}
			log.Printf("[scrape] results pop: %v", err)
			if !sleepStop(b.stopCh, time.Second) {
				return
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var reply Reply
		if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
			log.Printf("[scrape] malformed reply: %v", err)
			continue
		}
		select {
		case b.replies <- reply:
		case <-b.stopCh:
			return
		}
	}
}

func sleepStop(stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
