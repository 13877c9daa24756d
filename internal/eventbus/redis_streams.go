package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/deckguard/internal/monitor"
)

// RedisStreamsClient is the subset of go-redis the stream bus needs.
type RedisStreamsClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XPending(ctx context.Context, stream, group string) (*redis.XPending, error)
	XPendingExt(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error)
	XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error)
	XLen(ctx context.Context, stream string) (int64, error)
}

// RedisStreamsClientAdapter adapts a go-redis client to RedisStreamsClient.
type RedisStreamsClientAdapter struct {
	Client redis.UniversalClient
}

func (a *RedisStreamsClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.Client.XReadGroup(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.Client.XAck(ctx, stream, group, ids...).Result()
}

func (a *RedisStreamsClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (a *RedisStreamsClientAdapter) XPending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	return a.Client.XPending(ctx, stream, group).Result()
}

func (a *RedisStreamsClientAdapter) XPendingExt(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error) {
	return a.Client.XPendingExt(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error) {
	return a.Client.XClaim(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.Client.XLen(ctx, stream).Result()
}

// RedisStreamsConfig holds configuration for the Redis Streams bus.
type RedisStreamsConfig struct {
	StreamKey        string        // Redis stream key name
	ConsumerGroup    string        // Consumer group name
	ConsumerName     string        // Unique consumer name within the group
	StartID          string        // Where a new group starts reading: "0" for history, "$" for new alerts only
	MaxLen           int64         // Approximate max stream length (0 = unlimited)
	BlockTimeout     time.Duration // Block timeout for XREADGROUP
	ClaimMinIdleTime time.Duration // Minimum idle time before claiming another consumer's pending alerts
	BatchSize        int64         // Number of messages to read at once
}

// DefaultRedisStreamsConfig returns default configuration.
func DefaultRedisStreamsConfig() RedisStreamsConfig {
	return RedisStreamsConfig{
		StreamKey:        "deckguard:alerts",
		ConsumerGroup:    "deckguard-alert-consumers",
		ConsumerName:     "consumer-1",
		StartID:          "0",
		MaxLen:           10000,
		BlockTimeout:     5 * time.Second,
		ClaimMinIdleTime: 30 * time.Second,
		BatchSize:        100,
	}
}

// RedisStreamsEventBus publishes alerts with XADD and consumes them through a
// consumer group with at-least-once delivery.
type RedisStreamsEventBus struct {
	client       RedisStreamsClient
	config       RedisStreamsConfig
	logger       *zap.Logger
	stats        busStats
	ctx          context.Context
	cancel       context.CancelFunc
	stopOnce     sync.Once
	wg           sync.WaitGroup
	groupCreated atomic.Bool
}

// NewRedisStreamsEventBus creates a new Redis Streams bus.
func NewRedisStreamsEventBus(client RedisStreamsClient, config RedisStreamsConfig, logger *zap.Logger) *RedisStreamsEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StartID == "" {
		config.StartID = "0"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamsEventBus{
		client: client,
		config: config,
		logger: logger.With(zap.String("stream", config.StreamKey)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (b *RedisStreamsEventBus) EnsureConsumerGroup(ctx context.Context) error {
	if b.groupCreated.Load() {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.config.StreamKey, b.config.ConsumerGroup, b.config.StartID)
	if err != nil && !isGroupExistsError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	b.groupCreated.Store(true)
	return nil
}

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Publish appends an alert to the stream. Failures are logged and counted.
func (b *RedisStreamsEventBus) Publish(ctx context.Context, a monitor.Alert) {
	data, err := json.Marshal(a)
	if err != nil {
		b.logger.Error("failed to marshal alert", zap.String("alert_id", a.ID), zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}

	args := &redis.XAddArgs{
		Stream: b.config.StreamKey,
		Values: map[string]interface{}{
			"type": string(a.Type),
			"data": string(data),
		},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}

	if _, err := b.client.XAdd(ctx, args); err != nil {
		b.logger.Warn("failed to publish alert", zap.String("alert_id", a.ID), zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}
	b.stats.published.Add(1)
}

// Subscribe starts a consumer and returns its channel. The channel is closed
// when Stop is called or the consumer group cannot be created.
func (b *RedisStreamsEventBus) Subscribe() <-chan monitor.Alert {
	ch := make(chan monitor.Alert, b.config.BatchSize)
	b.wg.Add(1)
	go b.consumeLoop(ch)
	return ch
}

func (b *RedisStreamsEventBus) consumeLoop(ch chan monitor.Alert) {
	defer b.wg.Done()
	defer close(ch)

	ctx := b.ctx
	if err := b.EnsureConsumerGroup(ctx); err != nil {
		b.logger.Error("failed to ensure consumer group", zap.Error(err))
		return
	}

	// Redeliver what this consumer read but never acknowledged.
	if !b.readAndDeliver(ctx, ch, "0", 0) {
		return
	}

	for ctx.Err() == nil {
		delivered, err := b.read(ctx, ch, ">", b.config.BlockTimeout)
		switch {
		case err == nil:
			if !delivered {
				return
			}
		case errors.Is(err, redis.Nil):
			if !b.claimPendingMessages(ctx, ch) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			b.logger.Warn("error reading from stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// readAndDeliver reads once and reports whether the loop should continue.
func (b *RedisStreamsEventBus) readAndDeliver(ctx context.Context, ch chan monitor.Alert, start string, block time.Duration) bool {
	delivered, err := b.read(ctx, ch, start, block)
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return false
		}
		b.logger.Warn("error reading pending alerts", zap.Error(err))
		return true
	}
	return err != nil || delivered
}

// read fetches a batch starting at start and delivers it. The bool is false
// when delivery was interrupted by Stop.
func (b *RedisStreamsEventBus) read(ctx context.Context, ch chan monitor.Alert, start string, block time.Duration) (bool, error) {
	args := &redis.XReadGroupArgs{
		Group:    b.config.ConsumerGroup,
		Consumer: b.config.ConsumerName,
		Streams:  []string{b.config.StreamKey, start},
		Count:    b.config.BatchSize,
		Block:    block,
	}
	if block <= 0 {
		// go-redis sends BLOCK only for non-negative values.
		args.Block = -1
	}
	streams, err := b.client.XReadGroup(ctx, args)
	if err != nil {
		return true, err
	}
	for _, stream := range streams {
		if !b.deliver(ctx, ch, stream.Messages) {
			return false, nil
		}
	}
	return true, nil
}

// claimPendingMessages takes over alerts another consumer left unacknowledged
// for longer than ClaimMinIdleTime.
func (b *RedisStreamsEventBus) claimPendingMessages(ctx context.Context, ch chan monitor.Alert) bool {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.config.StreamKey,
		Group:  b.config.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  b.config.BatchSize,
	})
	if err != nil || len(pending) == 0 {
		return true
	}

	var toClaim []string
	for _, p := range pending {
		if p.Consumer != b.config.ConsumerName && p.Idle >= b.config.ClaimMinIdleTime {
			toClaim = append(toClaim, p.ID)
		}
	}
	if len(toClaim) == 0 {
		return true
	}

	messages, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.config.StreamKey,
		Group:    b.config.ConsumerGroup,
		Consumer: b.config.ConsumerName,
		MinIdle:  b.config.ClaimMinIdleTime,
		Messages: toClaim,
	})
	if err != nil {
		b.logger.Warn("error claiming pending alerts", zap.Error(err))
		return true
	}
	return b.deliver(ctx, ch, messages)
}

func (b *RedisStreamsEventBus) deliver(ctx context.Context, ch chan monitor.Alert, messages []redis.XMessage) bool {
	for _, msg := range messages {
		a, err := parseMessage(msg)
		if err != nil {
			b.logger.Warn("dropping malformed alert message", zap.String("message_id", msg.ID), zap.Error(err))
			_, _ = b.client.XAck(ctx, b.config.StreamKey, b.config.ConsumerGroup, msg.ID)
			continue
		}
		select {
		case ch <- a:
			if _, err := b.client.XAck(ctx, b.config.StreamKey, b.config.ConsumerGroup, msg.ID); err != nil {
				b.logger.Warn("failed to acknowledge alert", zap.String("message_id", msg.ID), zap.Error(err))
			}
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func parseMessage(msg redis.XMessage) (monitor.Alert, error) {
	var a monitor.Alert
	data, ok := msg.Values["data"]
	if !ok {
		return a, fmt.Errorf("message missing 'data' field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return a, fmt.Errorf("'data' field is not a string")
	}
	if err := json.Unmarshal([]byte(dataStr), &a); err != nil {
		return a, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return a, nil
}

// Stop cancels every consumer and waits for their channels to close.
func (b *RedisStreamsEventBus) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

// Stats returns the number of published and dropped alerts.
func (b *RedisStreamsEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}

// StreamLength returns the current length of the stream.
func (b *RedisStreamsEventBus) StreamLength(ctx context.Context) (int64, error) {
	return b.client.XLen(ctx, b.config.StreamKey)
}

// PendingCount returns the number of unacknowledged alerts in the group.
func (b *RedisStreamsEventBus) PendingCount(ctx context.Context) (int64, error) {
	pending, err := b.client.XPending(ctx, b.config.StreamKey, b.config.ConsumerGroup)
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
