package quarantine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// RequiredAcks is 1 (leader) or -1 (all in-sync replicas); zero means 1
	RequiredAcks int16

	// Compression is none, gzip, snappy, lz4 or zstd
	Compression string

	ClientID string
	Version  string

	// TLS is used when EnableTLS is set; nil means system roots
	EnableTLS bool
	TLS       *tls.Config

	// SASL/PLAIN credentials; usually paired with EnableTLS
	SASLEnabled  bool
	SASLUsername string
	SASLPassword string
}

// KafkaSink publishes one message per failed record, keyed by record id
type KafkaSink struct {
	config   KafkaConfig
	producer sarama.SyncProducer
}

// NewSaramaConfig translates KafkaConfig into a producer configuration
func NewSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	if config.RequiredAcks != 0 {
		saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	}
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported kafka compression: %s", config.Compression)
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	saramaConfig.Net.TLS.Enable = config.EnableTLS
	if config.EnableTLS {
		saramaConfig.Net.TLS.Config = config.TLS
	}

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}
	return saramaConfig, nil
}

// NewKafkaSink connects a synchronous producer to the brokers
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	saramaConfig, err := NewSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaSinkWithProducer(config, producer)
}

// NewKafkaSinkWithProducer creates a Kafka sink around an existing producer
func NewKafkaSinkWithProducer(config KafkaConfig, producer sarama.SyncProducer) (*KafkaSink, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}
	return &KafkaSink{config: config, producer: producer}, nil
}

// Name returns the sink name
func (k *KafkaSink) Name() string {
	return "kafka"
}

// Write sends every entry of the batch in one produce call
func (k *KafkaSink) Write(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := make([]*sarama.ProducerMessage, 0, len(batch.Entries))
	for i := range batch.Entries {
		msg, err := k.buildMessage(&batch.Entries[i])
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	if err := k.producer.SendMessages(messages); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			return fmt.Errorf("%d out of %d records failed to publish: %w", len(perrs), len(messages), perrs[0].Err)
		}
		return fmt.Errorf("failed to publish records: %w", err)
	}
	return nil
}

// buildMessage creates a producer message from an entry
func (k *KafkaSink) buildMessage(entry *Entry) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry %s: %w", entry.RecordID, err)
	}

	return &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Key:   sarama.StringEncoder(entry.RecordID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("invocation_id"), Value: []byte(entry.InvocationID)},
			{Key: []byte("kind"), Value: []byte(entry.Kind)},
		},
	}, nil
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
