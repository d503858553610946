// Package worker consumes domain events from RabbitMQ and turns them into
// push notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"Nexlify/internal/dedupe"
	"Nexlify/internal/events"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison marks a delivery that can never be processed.
var ErrPoison = errors.New("undecodable event")

type Worker struct {
	URL        string
	Exchange   string
	Queue      string
	Bindings   []string
	Prefetch   int
	// RetryDelay spaces reconnects and requeues of failed deliveries.
	RetryDelay time.Duration

	Notifier events.Sink
	Dedupe   dedupe.Set
}

// Run consumes until ctx is cancelled, reconnecting after failures.
func (w *Worker) Run(ctx context.Context) {
	delay := w.retryDelay()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("consumer stopped: %v, reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Worker) consume(ctx context.Context) error {
	conn, err := amqp.Dial(w.URL)
	if err != nil {
		return fmt.Errorf("rabbit dial failed: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel failed: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(w.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange failed: %w", err)
	}
	q, err := ch.QueueDeclare(w.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}
	for _, key := range w.Bindings {
		if err := ch.QueueBind(q.Name, key, w.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s failed: %w", key, err)
		}
	}
	prefetch := w.Prefetch
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos failed: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume failed: %w", err)
	}
	log.Printf("consuming %s bindings=%s", q.Name, strings.Join(w.Bindings, ","))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			return fmt.Errorf("connection closed: %v", err)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.Settle(ctx, d)
		}
	}
}

// Settle handles one delivery and acks or nacks it.
func (w *Worker) Settle(ctx context.Context, d amqp.Delivery) {
	err := w.Handle(ctx, d.RoutingKey, d.MessageId, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		log.Printf("drop key=%s: %v", d.RoutingKey, err)
		_ = d.Nack(false, false)
	default:
		delay := w.retryDelay()
		log.Printf("handle key=%s failed: %v -> requeue in %s", d.RoutingKey, err, delay)
		// Failed deliveries wait out the retry delay before requeue.
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		_ = d.Nack(false, true)
	}
}

func (w *Worker) retryDelay() time.Duration {
	if w.RetryDelay > 0 {
		return w.RetryDelay
	}
	return 3 * time.Second
}

// Handle decodes body by routing key and forwards it to the notifier.
// Events already handled are skipped.
func (w *Worker) Handle(ctx context.Context, key, messageID string, body []byte) error {
	switch {
	case key == events.RKMessageCreated:
		ev, err := events.Decode[events.MessageEvent](body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return w.once(ctx, firstNonEmpty(ev.ID, messageID), func() error {
			return w.Notifier.PublishMessage(ctx, ev)
		})
	case strings.HasPrefix(key, "meetup."):
		ev, err := events.Decode[events.MeetupEvent](body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		if ev.Key == "" {
			ev.Key = key
		}
		return w.once(ctx, firstNonEmpty(ev.ID, messageID), func() error {
			return w.Notifier.PublishMeetup(ctx, ev)
		})
	}
	log.Printf("skip unknown key=%s", key)
	return nil
}

func (w *Worker) once(ctx context.Context, id string, fn func() error) error {
	if w.Dedupe == nil || id == "" {
		return fn()
	}
	first, err := w.Dedupe.Claim(ctx, id)
	if err != nil {
		log.Printf("dedupe claim %s failed, delivering anyway: %v", id, err)
		return fn()
	}
	if !first {
		log.Printf("skip duplicate event %s", id)
		return nil
	}
	if err := fn(); err != nil {
		if rerr := w.Dedupe.Release(ctx, id); rerr != nil {
			log.Printf("dedupe release %s failed: %v", id, rerr)
		}
		return err
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
