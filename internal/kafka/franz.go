package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// Ensure implementation satisfies interface at compile time.
var _ consumer.Client = (*FranzClient)(nil)

// FranzClient implements the consumer-client contract on top of
// twmb/franz-go.
//
// The client is built with BlockRebalanceOnPoll, so group hooks only fire
// while PollFetches is running; the binding queues them and replays the
// queue on the polling goroutine before returning.
type FranzClient struct {
	cfg    Config
	logger *zap.Logger

	cl       *kgo.Client
	listener consumer.RebalanceListener

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	woken      atomic.Bool

	eventMu sync.Mutex
	events  []func()

	stateMu    sync.Mutex
	assignment map[record.TopicPartition]struct{}
	paused     map[record.TopicPartition]struct{}
}

// NewFranzClient creates a client backed by franz-go. The kgo client itself
// is built on Subscribe, when the topic set is known.
func NewFranzClient(cfg Config, logger *zap.Logger) (*FranzClient, error) {
	if cfg.SASLMechanism == "AWS_MSK_IAM" {
		return nil, fmt.Errorf("AWS MSK IAM is only supported by the sarama driver")
	}

	return &FranzClient{
		cfg:        cfg,
		logger:     logger,
		assignment: make(map[record.TopicPartition]struct{}),
		paused:     make(map[record.TopicPartition]struct{}),
	}, nil
}

// Subscribe builds the kgo client and joins the group.
func (c *FranzClient) Subscribe(topics []string, listener consumer.RebalanceListener) error {
	if c.cl != nil {
		return errors.New("kafka: already subscribed")
	}
	c.listener = listener

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.BootstrapServers...),
		kgo.ConsumerGroup(c.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	}

	if c.cfg.AutoOffsetReset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if c.cfg.SessionTimeoutMS > 0 {
		opts = append(opts, kgo.SessionTimeout(time.Duration(c.cfg.SessionTimeoutMS)*time.Millisecond))
	}
	if c.cfg.HeartbeatIntervalMS > 0 {
		opts = append(opts, kgo.HeartbeatInterval(time.Duration(c.cfg.HeartbeatIntervalMS)*time.Millisecond))
	}

	securityOpts, err := c.securityOpts()
	if err != nil {
		return err
	}
	opts = append(opts, securityOpts...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create franz client: %w", err)
	}
	c.cl = cl

	c.logger.Info("franz consumer created",
		zap.Strings("bootstrap_servers", c.cfg.BootstrapServers),
		zap.String("group_id", c.cfg.GroupID),
		zap.Strings("topics", topics),
	)
	return nil
}

func (c *FranzClient) securityOpts() ([]kgo.Opt, error) {
	protocol := c.cfg.SecurityProtocol
	if protocol == "" {
		protocol = "PLAINTEXT"
	}
	wantSASL, wantTLS, err := securityLayers(protocol)
	if err != nil {
		return nil, err
	}

	var opts []kgo.Opt
	if wantTLS {
		tlsConfig, err := clientTLSConfig(c.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	if !wantSASL {
		return opts, nil
	}

	switch c.cfg.SASLMechanism {
	case "PLAIN":
		opts = append(opts, kgo.SASL(plain.Auth{
			User: c.cfg.SASLUsername,
			Pass: c.cfg.SASLPassword,
		}.AsMechanism()))
	case "SCRAM-SHA-256":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: c.cfg.SASLUsername,
			Pass: c.cfg.SASLPassword,
		}.AsSha256Mechanism()))
	case "SCRAM-SHA-512":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: c.cfg.SASLUsername,
			Pass: c.cfg.SASLPassword,
		}.AsSha512Mechanism()))
	default:
		return nil, &kaferrors.ConfigError{Field: "kafka.sasl_mechanism", Value: c.cfg.SASLMechanism}
	}

	return opts, nil
}

func (c *FranzClient) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	partitions := flattenPartitions(assigned)

	c.stateMu.Lock()
	for _, tp := range partitions {
		c.assignment[tp] = struct{}{}
	}
	c.stateMu.Unlock()

	if listener := c.listener; listener != nil {
		c.queueEvent(func() {
			listener.OnPartitionsAssigned(partitions)
		})
	}
}

func (c *FranzClient) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	partitions := flattenPartitions(revoked)

	c.stateMu.Lock()
	for _, tp := range partitions {
		delete(c.assignment, tp)
		delete(c.paused, tp)
	}
	c.stateMu.Unlock()

	if listener := c.listener; listener != nil && len(partitions) > 0 {
		c.queueEvent(func() {
			listener.OnPartitionsRevoked(partitions)
		})
	}
}

func (c *FranzClient) queueEvent(fn func()) {
	c.eventMu.Lock()
	c.events = append(c.events, fn)
	c.eventMu.Unlock()
}

func (c *FranzClient) drainEvents() {
	for {
		c.eventMu.Lock()
		if len(c.events) == 0 {
			c.eventMu.Unlock()
			return
		}
		fn := c.events[0]
		c.events = c.events[1:]
		c.eventMu.Unlock()
		fn()
	}
}

// Poll fetches records, delivering queued group notifications on the
// calling goroutine. BlockRebalanceOnPoll holds rebalances while a fetch is
// being processed; release the block whenever this poll cycle ends, or a
// pending rebalance would stall forever.
func (c *FranzClient) Poll(timeout time.Duration) ([]record.Record, error) {
	defer c.cl.AllowRebalance()

	c.drainEvents()
	if c.woken.Swap(false) {
		return nil, consumer.ErrWakeup
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c.pollMu.Lock()
	c.pollCancel = cancel
	c.pollMu.Unlock()
	defer func() {
		c.pollMu.Lock()
		c.pollCancel = nil
		c.pollMu.Unlock()
		cancel()
	}()

	fetches := c.cl.PollFetches(ctx)
	c.drainEvents()

	if c.woken.Swap(false) {
		return nil, consumer.ErrWakeup
	}

	for _, fetchErr := range fetches.Errors() {
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) ||
			errors.Is(fetchErr.Err, context.Canceled) ||
			errors.Is(fetchErr.Err, kgo.ErrClientClosed) {
			continue
		}
		return nil, fmt.Errorf("fetch error on %s-%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
	}

	var records []record.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, toFranzRecord(r))
	})
	return records, nil
}

// Pause stops fetching the given partitions.
func (c *FranzClient) Pause(partitions []record.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.cl.PauseFetchPartitions(partitionsByTopic(partitions))

	c.stateMu.Lock()
	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
	c.stateMu.Unlock()
}

// Resume re-enables fetching for the given partitions.
func (c *FranzClient) Resume(partitions []record.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.cl.ResumeFetchPartitions(partitionsByTopic(partitions))

	c.stateMu.Lock()
	for _, tp := range partitions {
		delete(c.paused, tp)
	}
	c.stateMu.Unlock()
}

// Assignment returns the partitions currently assigned to this member.
func (c *FranzClient) Assignment() []record.TopicPartition {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return setToSlice(c.assignment)
}

// Paused returns the currently paused partitions.
func (c *FranzClient) Paused() []record.TopicPartition {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return setToSlice(c.paused)
}

// CommitSync commits the offsets and blocks for the broker response.
func (c *FranzClient) CommitSync(offsets consumer.Offsets) error {
	var commitErr error
	done := make(chan struct{})

	c.cl.CommitOffsetsSync(context.Background(), toUncommitted(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			defer close(done)
			if err != nil {
				commitErr = err
				return
			}
			commitErr = commitResponseError(resp)
		})

	<-done
	return commitErr
}

// CommitAsync commits the offsets and queues the completion for the next
// Poll.
func (c *FranzClient) CommitAsync(offsets consumer.Offsets, doneFn consumer.CommitCallback) error {
	c.cl.CommitOffsets(context.Background(), toUncommitted(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err == nil {
				err = commitResponseError(resp)
			}
			c.queueEvent(func() {
				doneFn(offsets, err)
			})
		})
	return nil
}

// Wakeup cancels an in-progress PollFetches; the next Poll reports
// ErrWakeup.
func (c *FranzClient) Wakeup() {
	c.woken.Store(true)
	c.pollMu.Lock()
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.pollMu.Unlock()
}

// Close leaves the group. franz-go blocks until the leave completes, so
// the timeout only bounds the final wait.
func (c *FranzClient) Close(timeout time.Duration) error {
	if c.cl == nil {
		return nil
	}

	closed := make(chan struct{})
	go func() {
		c.cl.Close()
		close(closed)
	}()

	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out closing franz client after %s", timeout)
	}
}

func toFranzRecord(r *kgo.Record) record.Record {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}

	return record.Record{
		TopicPartition: record.TopicPartition{
			Topic:     r.Topic,
			Partition: r.Partition,
		},
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

func flattenPartitions(byTopic map[string][]int32) []record.TopicPartition {
	out := make([]record.TopicPartition, 0, len(byTopic))
	for topic, partitions := range byTopic {
		for _, partition := range partitions {
			out = append(out, record.TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return out
}

func toUncommitted(offsets consumer.Offsets) map[string]map[int32]kgo.EpochOffset {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, next := range offsets {
		byPartition := uncommitted[tp.Topic]
		if byPartition == nil {
			byPartition = make(map[int32]kgo.EpochOffset)
			uncommitted[tp.Topic] = byPartition
		}
		byPartition[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: next}
	}
	return uncommitted
}

// commitResponseError surfaces the first per-partition error code in a
// commit response.
func commitResponseError(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return fmt.Errorf("commit failed on %s-%d: %w", topic.Topic, partition.Partition, err)
			}
		}
	}
	return nil
}
