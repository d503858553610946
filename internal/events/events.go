package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Routing keys used on the events exchange.
const (
	RKMeetupCreated          = "meetup.created"
	RKMeetupAccepted         = "meetup.accepted"
	RKMeetupDeclined         = "meetup.declined"
	RKMeetupCancelled        = "meetup.cancelled"
	RKMeetupCompleted        = "meetup.completed"
	RKMeetupPaymentRequested = "meetup.payment_requested"
	RKMeetupPaid             = "meetup.paid"
	RKMeetupPaymentConfirmed = "meetup.payment_confirmed"
	RKMeetupDeleted          = "meetup.deleted"

	RKMessageCreated = "message.created"
)

// MeetupSnapshot is the wire form of a meetup carried inside events.
type MeetupSnapshot struct {
	ID            string    `json:"id"`
	ListingID     string    `json:"listing_id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Location      string    `json:"location"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	PaymentAmount string    `json:"payment_amount,omitempty"`
}

type MeetupEvent struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	ActorID     string         `json:"actor_id"`
	RecipientID string         `json:"recipient_id"`
	ListingName string         `json:"listing_name,omitempty"`
	Meetup      MeetupSnapshot `json:"meetup"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

type MessageEvent struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	RecipientID string    `json:"recipient_id"`
	Text        string    `json:"text"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Sink receives published events. Implementations must be safe for
// concurrent use.
type Sink interface {
	PublishMeetup(ctx context.Context, ev MeetupEvent) error
	PublishMessage(ctx context.Context, ev MessageEvent) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) PublishMeetup(ctx context.Context, ev MeetupEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishMeetup(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishMessage(ctx context.Context, ev MessageEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishMessage(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) PublishMeetup(context.Context, MeetupEvent) error   { return nil }
func (Discard) PublishMessage(context.Context, MessageEvent) error { return nil }

func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload failed: %w", err)
	}
	return t, nil
}
