package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// AbortWatcher subscribes to abort requests of single runs.
type AbortWatcher struct {
	conn *amqp091.Connection
}

func NewAbortWatcher(conn *amqp091.Connection) *AbortWatcher {
	return &AbortWatcher{conn: conn}
}

// Watch calls onAbort at most once when an abort for runID arrives. The
// returned stop function ends the subscription.
func (w *AbortWatcher) Watch(ctx context.Context, runID string, onAbort func()) (func(), error) {
	ch, err := w.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open abort channel: %w", err)
	}

	msgs, err := subscribe(ch, AbortTopic(runID))
	if err != nil {
		ch.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumeAborts(watchCtx, msgs, runID, onAbort)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ch.Close(); err != nil {
				logger.Debug("[Queue] Failed to close abort channel", "run_id", runID, "err", err)
			}
			<-done
		})
	}, nil
}

func subscribe(ch *amqp091.Channel, topic string) (<-chan amqp091.Delivery, error) {
	if err := declarePubSub(ch); err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare abort queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, PubSubExchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind abort queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume abort queue: %w", err)
	}
	return msgs, nil
}

// consumeAborts fires onAbort for the first abort message addressed to runID
// and returns.
func consumeAborts(ctx context.Context, msgs <-chan amqp091.Delivery, runID string, onAbort func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var abort AbortMsg
			if err := json.Unmarshal(msg.Body, &abort); err != nil {
				logger.Warn("[Queue] Ignoring malformed abort message", "run_id", runID, "err", err)
				continue
			}
			if abort.RunID != runID {
				continue
			}
			logger.Info("[Queue] Abort received", "run_id", runID, "reason", abort.Reason)
			onAbort()
			return
		}
	}
}
