package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerID        = "x-message-id"
	headerTimestamp = "x-message-ts"
)

// KafkaConfig defines configuration for the Kafka implementation.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// Producer settings
	RequiredAcks kafka.RequiredAcks
	BatchTimeout time.Duration

	// Consumer settings
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// Dialer settings
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaQueue implements MessageQueue using Kafka.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1 << 10
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireOne
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: cfg.RequiredAcks,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}, nil
}

// Publish publishes a message to the specified topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	writeCtx := ctx
	if k.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, k.config.WriteTimeout)
		defer cancel()
	}
	return k.writer.WriteMessages(writeCtx, toKafkaMessage(topic, message))
}

// Subscribe registers a handler for a topic. Consumption starts on Start.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	options := SubscribeOptions{}
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("queue is closed")
	}
	k.subscriptions = append(k.subscriptions, &kafkaSubscription{
		topic:   topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	})
	return nil
}

// Start launches consumer goroutines for all registered subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		if err := k.startSubscription(sub); err != nil {
			return err
		}
	}
	k.started = true
	return nil
}

// Stop cancels consumers and waits for in-flight handlers to finish.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	subs := k.subscriptions
	k.started = false
	k.mu.Unlock()

	var lastErr error
	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		sub.wg.Wait()
		if sub.reader != nil {
			if err := sub.reader.Close(); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// Ping verifies broker connectivity.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	if len(k.config.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka broker failed: %w", err)
	}
	return conn.Close()
}

// Close stops consumers and closes the producer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	stopErr := k.Stop()
	if err := k.writer.Close(); err != nil {
		return err
	}
	return stopErr
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) error {
	baseCtx := sub.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(baseCtx)
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		GroupID:  sub.opts.ConsumerGroup,
		Topic:    sub.topic,
		Dialer:   k.dialer,
		MinBytes: k.config.MinBytes,
		MaxBytes: k.config.MaxBytes,
		MaxWait:  k.config.MaxWait,
	})

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				msg, err := sub.reader.FetchMessage(sub.ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					select {
					case <-sub.ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				// Handler errors do not block the partition; redelivery
				// happens only on process loss before commit, and the
				// consumer side is expected to be idempotent.
				_ = sub.handler(sub.ctx, fromKafkaMessage(msg))
				_ = sub.reader.CommitMessages(sub.ctx, msg)
			}
		}()
	}
	return nil
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(message.Headers)+2)
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	if !message.Timestamp.IsZero() {
		headers = append(headers, kafka.Header{
			Key:   headerTimestamp,
			Value: []byte(message.Timestamp.UTC().Format(time.RFC3339Nano)),
		})
	}
	for key, value := range message.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafka.Message{
		Topic:   topic,
		Value:   message.Body,
		Headers: headers,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	out := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Time,
	}
	for _, header := range msg.Headers {
		switch header.Key {
		case headerID:
			out.ID = string(header.Value)
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, string(header.Value)); err == nil {
				out.Timestamp = ts
			}
		default:
			out.Headers[header.Key] = string(header.Value)
		}
	}
	return out
}
