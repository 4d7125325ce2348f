package mq

import (
	"fmt"

	"liveeconomy/internal/config"

	"github.com/IBM/sarama"
)

// Producer publishes keyed string messages to Kafka.
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer dials the brokers with acks=all.
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{producer: producer}, nil
}

// WrapProducer adapts an existing sarama producer, e.g. sarama/mocks in tests.
func WrapProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

// SendMessages sends a batch in one request. Keys and values must have equal length.
func (p *Producer) SendMessages(topic string, keys, values []string) error {
	msgs := make([]*sarama.ProducerMessage, len(keys))
	for i := range keys {
		msgs[i] = &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(keys[i]),
			Value: sarama.StringEncoder(values[i]),
		}
	}
	return p.producer.SendMessages(msgs)
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
