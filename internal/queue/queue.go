// Package queue carries alignment jobs and abort requests over RabbitMQ.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"

	"github.com/rabbitmq/amqp091-go"
)

const (
	AlignmentQueue = "alignment_queue"
	PubSubExchange = "pubsub_exchange"

	abortTopicPrefix = "alignment.abort."
	retryDelayMs     = int32(10000)
)

// Channel is the subset of *amqp091.Channel used for declaring and
// publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AlignmentJobMsg asks a worker to run a stored alignment.
type AlignmentJobMsg struct {
	RunID      string `json:"run_id"`
	ProjectKey string `json:"project_key"`
	Message    string `json:"message,omitempty"`
}

// AbortMsg asks the worker running RunID to stop.
type AbortMsg struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// URLFromEnv builds the broker URL from the RABBITMQ_* variables.
func URLFromEnv() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnvString("RABBITMQ_HOST", "localhost"),
		util.GetEnvString("RABBITMQ_PORT", "5672"),
	)
}

// Dial connects to the broker.
func Dial(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// AbortTopic is the routing key of abort requests for runID.
func AbortTopic(runID string) string {
	return abortTopicPrefix + runID
}

func declarePubSub(ch Channel) error {
	if err := ch.ExchangeDeclare(PubSubExchange, "topic", false, true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", PubSubExchange, err)
	}
	return nil
}

func declareQueue(ch Channel, name string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}

// SetupQueues declares every queue with its dead-letter and delayed retry
// companion, plus the pubsub exchange.
func SetupQueues(ch Channel, queueNames ...string) error {
	if err := declarePubSub(ch); err != nil {
		return err
	}

	for _, name := range queueNames {
		if _, err := declareQueue(ch, name); err != nil {
			return err
		}
		if _, err := declareQueue(ch, name+"_dlq"); err != nil {
			return err
		}

		retryName := name + "_retry"
		_, err := ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             retryDelayMs,
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
		}
	}
	return nil
}

func persistent(data []byte, headers amqp091.Table) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}
}

// PublishFIFO publishes data to the named queue.
func PublishFIFO(ch Channel, queueName string, data []byte) error {
	q, err := declareQueue(ch, queueName)
	if err != nil {
		return err
	}
	if err := ch.Publish("", q.Name, false, false, persistent(data, nil)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}
	return nil
}

// PublishJob enqueues an alignment job.
func PublishJob(ch Channel, msg AlignmentJobMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return PublishFIFO(ch, AlignmentQueue, data)
}

// PublishTopic publishes data on the pubsub exchange.
func PublishTopic(ch Channel, topic string, data []byte) error {
	if err := declarePubSub(ch); err != nil {
		return err
	}
	if err := ch.Publish(PubSubExchange, topic, false, false, persistent(data, nil)); err != nil {
		return fmt.Errorf("failed to publish topic %s: %w", topic, err)
	}
	return nil
}

// PublishAbort broadcasts an abort request for a run.
func PublishAbort(ch Channel, msg AbortMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal abort: %w", err)
	}
	return PublishTopic(ch, AbortTopic(msg.RunID), data)
}
