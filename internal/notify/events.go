package notify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"Nexlify/internal/events"
)

const maxPreviewRunes = 100

type Pusher interface {
	SendToUser(ctx context.Context, userID string, n Notification) (Report, error)
}

// EventNotifier turns meetup and chat events into pushes for the
// counterpart. It satisfies events.Sink so it can be wired inline.
type EventNotifier struct {
	Push Pusher
}

func (e EventNotifier) PublishMeetup(ctx context.Context, ev events.MeetupEvent) error {
	n, ok := MeetupNotification(ev)
	if !ok || ev.RecipientID == "" {
		return nil
	}
	_, err := e.Push.SendToUser(ctx, ev.RecipientID, n)
	return err
}

func (e EventNotifier) PublishMessage(ctx context.Context, ev events.MessageEvent) error {
	if ev.RecipientID == "" {
		return nil
	}
	_, err := e.Push.SendToUser(ctx, ev.RecipientID, MessageNotification(ev))
	return err
}

// MeetupNotification renders ev. ok is false for event kinds that are not
// pushed.
func MeetupNotification(ev events.MeetupEvent) (n Notification, ok bool) {
	item := ev.ListingName
	if item == "" {
		item = "your item"
	}
	when := ev.Meetup.ScheduledTime.Format("Jan 2, 15:04")

	switch ev.Key {
	case events.RKMeetupCreated:
		n.Title = "New meetup request"
		n.Body = fmt.Sprintf("%s at %s on %s", item, ev.Meetup.Location, when)
	case events.RKMeetupAccepted:
		n.Title = "Meetup accepted"
		n.Body = fmt.Sprintf("Your meetup for %s on %s is confirmed", item, when)
	case events.RKMeetupDeclined:
		n.Title = "Meetup declined"
		n.Body = fmt.Sprintf("The seller declined your meetup for %s", item)
	case events.RKMeetupCancelled:
		n.Title = "Meetup cancelled"
		n.Body = fmt.Sprintf("The meetup for %s was cancelled", item)
	case events.RKMeetupCompleted:
		n.Title = "Meetup completed"
		n.Body = fmt.Sprintf("The meetup for %s was marked as completed", item)
	case events.RKMeetupPaymentRequested:
		n.Title = "Payment requested: ₹" + ev.Meetup.PaymentAmount
		n.Body = fmt.Sprintf("Pay for %s via UPI", item)
	case events.RKMeetupPaid:
		n.Title = "Buyer marked as paid"
		n.Body = fmt.Sprintf("Check your UPI app and confirm payment for %s", item)
	case events.RKMeetupPaymentConfirmed:
		n.Title = "Payment confirmed"
		n.Body = fmt.Sprintf("The seller confirmed your payment for %s", item)
	default:
		return n, false
	}

	n.Data = map[string]string{
		"type":          "meetup",
		"event":         ev.Key,
		"meetupId":      ev.Meetup.ID,
		"listingId":     ev.Meetup.ListingID,
		"status":        ev.Meetup.Status,
		"paymentStatus": ev.Meetup.PaymentStatus,
	}
	return n, true
}

func MessageNotification(ev events.MessageEvent) Notification {
	title := "New message"
	if ev.SenderName != "" {
		title = "New message from " + ev.SenderName
	}
	return Notification{
		Title: title,
		Body:  preview(ev.Text),
		Data: map[string]string{
			"type":     "message",
			"chatId":   ev.ChatID,
			"senderId": ev.SenderID,
		},
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= maxPreviewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxPreviewRunes]) + "…"
}
