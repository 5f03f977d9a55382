package queue

import (
	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultMaxRetries is the number of delayed retries before a message is
// dead-lettered.
const DefaultMaxRetries = 10

const retriesHeader = "x-retries"

func retriesOf(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError routes a failed delivery to the retry queue, or to
// the dead-letter queue once maxRetries is reached or the error is
// permanent. The original delivery is acked once the copy is published.
func HandleProcessingError(ch Channel, msg amqp091.Delivery, queueName string, maxRetries int, procErr error) {
	retries := retriesOf(msg.Headers)

	target := queueName + "_retry"
	if retries >= maxRetries || util.IsPermanent(procErr) {
		target = queueName + "_dlq"
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(retries + 1)

	logger.Info("[Queue] Rerouting failed message", "queue", queueName, "target", target, "retries", retries)
	if err := ch.Publish("", target, false, false, persistent(msg.Body, headers)); err != nil {
		logger.Error("[Queue] Failed to reroute message", "target", target, "err", err)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Error("[Queue] Failed to nack message", "err", nackErr)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
}
