package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	queueArgs  map[string]amqp091.Table
	published  []published
	publishErr error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	if c.queueArgs == nil {
		c.queueArgs = map[string]amqp091.Table{}
	}
	c.queueArgs[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange, key, msg})
	return nil
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func TestSetupQueues(t *testing.T) {
	ch := &fakeChannel{}
	if err := SetupQueues(ch, AlignmentQueue); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ch.exchanges, []string{PubSubExchange}) {
		t.Fatalf("unexpected exchanges %v", ch.exchanges)
	}
	want := []string{"alignment_queue", "alignment_queue_dlq", "alignment_queue_retry"}
	if !reflect.DeepEqual(ch.queues, want) {
		t.Fatalf("unexpected queues %v", ch.queues)
	}
	if got := ch.queueArgs["alignment_queue_retry"]["x-dead-letter-routing-key"]; got != AlignmentQueue {
		t.Fatalf("retry queue must dead-letter back to the work queue, got %v", got)
	}
}

func TestPublishAbort(t *testing.T) {
	ch := &fakeChannel{}
	if err := PublishAbort(ch, AbortMsg{RunID: "run-7", Reason: "user"}); err != nil {
		t.Fatal(err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(ch.published))
	}
	p := ch.published[0]
	if p.exchange != PubSubExchange || p.key != "alignment.abort.run-7" {
		t.Fatalf("unexpected route %s %s", p.exchange, p.key)
	}
	var got AbortMsg
	if err := json.Unmarshal(p.msg.Body, &got); err != nil || got.RunID != "run-7" {
		t.Fatalf("unexpected body %s (%v)", p.msg.Body, err)
	}
}

func TestHandleProcessingError(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		err     error
		target  string
		retries int32
	}{
		{"first failure", nil, errors.New("db down"), "alignment_queue_retry", 1},
		{"int64 header", amqp091.Table{"x-retries": int64(3)}, errors.New("db down"), "alignment_queue_retry", 4},
		{"exhausted", amqp091.Table{"x-retries": int32(10)}, errors.New("db down"), "alignment_queue_dlq", 11},
		{"permanent", nil, util.Permanent(errors.New("bad json")), "alignment_queue_dlq", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &fakeAck{}
			msg := amqp091.Delivery{Acknowledger: ack, Headers: tt.headers, Body: []byte("{}")}

			HandleProcessingError(ch, msg, AlignmentQueue, DefaultMaxRetries, tt.err)

			if len(ch.published) != 1 || ch.published[0].key != tt.target {
				t.Fatalf("expected publish to %s, got %+v", tt.target, ch.published)
			}
			if got := ch.published[0].msg.Headers["x-retries"]; got != tt.retries {
				t.Fatalf("x-retries = %v, want %d", got, tt.retries)
			}
			if !ack.acked {
				t.Fatal("original delivery must be acked")
			}
		})
	}
}

func TestHandleProcessingErrorRequeuesOnPublishFailure(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	ack := &fakeAck{}
	HandleProcessingError(ch, amqp091.Delivery{Acknowledger: ack}, AlignmentQueue, DefaultMaxRetries, errors.New("x"))
	if ack.acked || !ack.nacked || !ack.requeued {
		t.Fatalf("expected nack with requeue, got %+v", ack)
	}
}

func TestConsumeAborts(t *testing.T) {
	msgs := make(chan amqp091.Delivery, 4)
	msgs <- amqp091.Delivery{Body: []byte("not json")}
	msgs <- amqp091.Delivery{Body: []byte(`{"run_id":"other"}`)}
	msgs <- amqp091.Delivery{Body: []byte(`{"run_id":"run-1","reason":"user"}`)}
	msgs <- amqp091.Delivery{Body: []byte(`{"run_id":"run-1"}`)}

	calls := 0
	done := make(chan struct{})
	go func() {
		consumeAborts(context.Background(), msgs, "run-1", func() { calls++ })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumeAborts did not return after the abort")
	}
	if calls != 1 {
		t.Fatalf("onAbort must fire once, got %d", calls)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages after the abort must stay unread, got %d", len(msgs))
	}
}

func TestConsumeAbortsStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumeAborts(ctx, make(chan amqp091.Delivery), "run-1", func() { t.Fatal("unexpected abort") })
}
