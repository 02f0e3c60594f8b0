package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// Ensure implementation satisfies interface at compile time.
var _ consumer.Client = (*SaramaClient)(nil)

const (
	saramaBridgeBuffer = 256
	saramaEventsBuffer = 256
	saramaMaxPollBatch = 500
)

// SaramaClient implements the consumer-client contract on top of a sarama
// consumer group.
//
// Sarama pushes records and session callbacks from its own goroutines; the
// binding funnels records through a bridge channel and queues rebalance
// notifications and async commit completions as events that Poll delivers
// on its caller's goroutine, preserving the contract's threading model.
type SaramaClient struct {
	group  sarama.ConsumerGroup
	config Config
	logger *zap.Logger

	topics   []string
	listener consumer.RebalanceListener

	bridge  chan record.Record
	events  chan func()
	wakeups chan struct{}

	sessionMu sync.RWMutex
	session   sarama.ConsumerGroupSession

	stateMu    sync.Mutex
	assignment map[record.TopicPartition]struct{}
	paused     map[record.TopicPartition]struct{}

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// NewSaramaClient creates a client backed by a sarama consumer group. The
// runtime owns offset commits, so auto-commit is disabled regardless of
// configuration.
func NewSaramaClient(cfg Config, logger *zap.Logger) (*SaramaClient, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(cfg.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	saramaConfig.Consumer.Return.Errors = true

	if cfg.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(cfg.SessionTimeoutMS) * time.Millisecond
	}
	if cfg.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond
	}
	if cfg.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(cfg.MaxPollIntervalMS) * time.Millisecond
	}

	if err := saramaSecurity(saramaConfig, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}

	group, err := sarama.NewConsumerGroup(cfg.BootstrapServers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("sarama consumer group created",
		zap.Strings("bootstrap_servers", cfg.BootstrapServers),
		zap.String("group_id", cfg.GroupID),
	)

	return &SaramaClient{
		group:      group,
		config:     cfg,
		logger:     logger,
		bridge:     make(chan record.Record, saramaBridgeBuffer),
		events:     make(chan func(), saramaEventsBuffer),
		wakeups:    make(chan struct{}, 1),
		assignment: make(map[record.TopicPartition]struct{}),
		paused:     make(map[record.TopicPartition]struct{}),
	}, nil
}

// Subscribe starts the consumer group session pump for the given topics.
func (c *SaramaClient) Subscribe(topics []string, listener consumer.RebalanceListener) error {
	if c.pumpDone != nil {
		return errors.New("kafka: already subscribed")
	}

	c.topics = topics
	c.listener = listener
	c.pumpCtx, c.pumpCancel = context.WithCancel(context.Background())
	c.pumpDone = make(chan struct{})

	go c.pump()
	go c.drainGroupErrors()

	c.logger.Info("subscribed to topics", zap.Strings("topics", topics))
	return nil
}

// pump keeps the consumer group session alive. Consume returns on every
// rebalance and must be called again.
func (c *SaramaClient) pump() {
	defer close(c.pumpDone)

	handler := &groupHandler{client: c}
	for {
		if err := c.group.Consume(c.pumpCtx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Error("consumer group session error", zap.Error(err))
			select {
			case <-c.pumpCtx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if c.pumpCtx.Err() != nil {
			return
		}
	}
}

// drainGroupErrors surfaces the group's error stream to the log. Sarama
// reports commit failures here rather than per call.
func (c *SaramaClient) drainGroupErrors() {
	for err := range c.group.Errors() {
		c.logger.Warn("consumer group error", zap.Error(err))
	}
}

// Poll delivers queued rebalance notifications and commit completions,
// then waits up to timeout for records.
func (c *SaramaClient) Poll(timeout time.Duration) ([]record.Record, error) {
	c.drainEvents()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.wakeups:
			return nil, consumer.ErrWakeup
		case r := <-c.bridge:
			records := []record.Record{r}
			for len(records) < saramaMaxPollBatch {
				select {
				case next := <-c.bridge:
					records = append(records, next)
				default:
					return records, nil
				}
			}
			return records, nil
		case <-timer.C:
			return nil, nil
		}
	}
}

func (c *SaramaClient) drainEvents() {
	for {
		select {
		case fn := <-c.events:
			fn()
		default:
			return
		}
	}
}

// queueEvent schedules a callback for delivery from the next Poll.
func (c *SaramaClient) queueEvent(fn func()) {
	c.events <- fn
}

// Pause stops record delivery for the given partitions.
func (c *SaramaClient) Pause(partitions []record.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.group.Pause(partitionsByTopic(partitions))

	c.stateMu.Lock()
	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
	c.stateMu.Unlock()
}

// Resume re-enables record delivery for the given partitions.
func (c *SaramaClient) Resume(partitions []record.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.group.Resume(partitionsByTopic(partitions))

	c.stateMu.Lock()
	for _, tp := range partitions {
		delete(c.paused, tp)
	}
	c.stateMu.Unlock()
}

// Assignment returns the partitions of the current session.
func (c *SaramaClient) Assignment() []record.TopicPartition {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return setToSlice(c.assignment)
}

// Paused returns the currently paused partitions.
func (c *SaramaClient) Paused() []record.TopicPartition {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return setToSlice(c.paused)
}

// CommitSync marks the offsets on the live session and flushes them.
// Broker-side commit failures surface on the group error stream; a missing
// session (rebalance in flight) is reported as retryable.
func (c *SaramaClient) CommitSync(offsets consumer.Offsets) error {
	c.sessionMu.RLock()
	session := c.session
	c.sessionMu.RUnlock()

	if session == nil {
		return fmt.Errorf("%w: no active consumer group session", kaferrors.ErrRebalanceInFlight)
	}

	for tp, next := range offsets {
		session.MarkOffset(tp.Topic, tp.Partition, next, "")
	}
	session.Commit()
	return nil
}

// CommitAsync flushes the offsets on a worker goroutine and queues the
// completion for the next Poll.
func (c *SaramaClient) CommitAsync(offsets consumer.Offsets, done consumer.CommitCallback) error {
	go func() {
		err := c.CommitSync(offsets)
		c.queueEvent(func() {
			done(offsets, err)
		})
	}()
	return nil
}

// Wakeup unblocks an in-progress Poll.
func (c *SaramaClient) Wakeup() {
	select {
	case c.wakeups <- struct{}{}:
	default:
	}
}

// Close leaves the group and waits for the session pump to exit.
func (c *SaramaClient) Close(timeout time.Duration) error {
	if c.pumpCancel != nil {
		c.pumpCancel()
	}

	err := c.group.Close()

	if c.pumpDone != nil {
		select {
		case <-c.pumpDone:
		case <-time.After(timeout):
			c.logger.Warn("timed out waiting for consumer group session to end")
		}
	}
	return err
}

// groupHandler adapts sarama's session callbacks to the client contract.
type groupHandler struct {
	client *SaramaClient
}

// Setup records the new assignment and queues the assigned notification.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	c := h.client

	assigned := make([]record.TopicPartition, 0)
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			assigned = append(assigned, record.TopicPartition{Topic: topic, Partition: partition})
		}
	}

	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()

	c.stateMu.Lock()
	c.assignment = make(map[record.TopicPartition]struct{}, len(assigned))
	for _, tp := range assigned {
		c.assignment[tp] = struct{}{}
	}
	c.paused = make(map[record.TopicPartition]struct{})
	c.stateMu.Unlock()

	c.logger.Debug("consumer group session setup",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()),
		zap.Int("partitions", len(assigned)),
	)

	if listener := c.listener; listener != nil {
		c.queueEvent(func() {
			listener.OnPartitionsAssigned(assigned)
		})
	}
	return nil
}

// Cleanup queues the revoked notification for the whole assignment; sarama
// revokes eagerly at the end of every session.
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	c := h.client

	c.sessionMu.Lock()
	c.session = nil
	c.sessionMu.Unlock()

	c.stateMu.Lock()
	revoked := setToSlice(c.assignment)
	c.assignment = make(map[record.TopicPartition]struct{})
	c.stateMu.Unlock()

	c.logger.Debug("consumer group session cleanup",
		zap.String("member_id", session.MemberID()),
		zap.Int("partitions", len(revoked)),
	)

	if listener := c.listener; listener != nil && len(revoked) > 0 {
		c.queueEvent(func() {
			listener.OnPartitionsRevoked(revoked)
		})
	}
	return nil
}

// ConsumeClaim forwards the claim's records into the bridge channel.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.client

	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			select {
			case c.bridge <- toRecord(message):
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func toRecord(message *sarama.ConsumerMessage) record.Record {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	return record.Record{
		TopicPartition: record.TopicPartition{
			Topic:     message.Topic,
			Partition: message.Partition,
		},
		Offset:    message.Offset,
		Key:       message.Key,
		Value:     message.Value,
		Headers:   headers,
		Timestamp: message.Timestamp,
	}
}

// offsetInitial converts the auto offset reset config to sarama's constant.
func offsetInitial(autoOffsetReset string) int64 {
	switch autoOffsetReset {
	case "earliest":
		return sarama.OffsetOldest
	case "latest":
		return sarama.OffsetNewest
	default:
		return sarama.OffsetNewest
	}
}
