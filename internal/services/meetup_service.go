package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"Nexlify/internal/events"
	"Nexlify/internal/meetups"
	"Nexlify/internal/models"
	"Nexlify/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrMissingUserID      = errors.New("missing user id")
	ErrMeetupNotFound     = errors.New("meetup not found")
	ErrListingNotFound    = errors.New("listing not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrListingUnavailable = errors.New("listing is no longer available")
	ErrOwnListing         = errors.New("cannot schedule a meetup on your own listing")
	ErrDuplicateMeetup    = errors.New("an open meetup for this listing already exists")
	ErrNotParticipant     = errors.New("not a participant of this meetup")
	ErrConflict           = errors.New("meetup was changed concurrently")
	ErrInvalidInput       = errors.New("invalid meetup input")
)

// MeetupStore is the storage handle the coordinator works against.
type MeetupStore interface {
	CreateMeetup(ctx context.Context, m *models.Meetup) error
	GetMeetup(ctx context.Context, id string) (*models.Meetup, error)
	ListMeetupsForUser(ctx context.Context, userID string) ([]*models.Meetup, error)
	HasOpenMeetup(ctx context.Context, listingID, buyerID string) (bool, error)
	UpdateMeetupState(ctx context.Context, id string, from, to meetups.State, patch store.StatePatch) (int64, error)
	ConfirmPayment(ctx context.Context, id string) (decimal.Decimal, bool, error)
	DeleteMeetup(ctx context.Context, id string) (int64, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

type MeetupService struct {
	Store  MeetupStore
	Events events.Sink
	Now    func() time.Time
}

var tracer = otel.Tracer("Nexlify/internal/services")

type CreateMeetupInput struct {
	ListingID     string
	ScheduledTime time.Time
	Location      string
	Notes         *string
}

func (s MeetupService) Create(ctx context.Context, buyerID string, in CreateMeetupInput) (m *models.Meetup, err error) {
	ctx, span := tracer.Start(ctx, "meetups.Create", trace.WithAttributes(attribute.String("listing.id", in.ListingID)))
	defer func() { endSpan(span, err) }()

	if buyerID == "" {
		return nil, ErrMissingUserID
	}
	location := strings.TrimSpace(in.Location)
	if location == "" {
		return nil, fmt.Errorf("%w: location is required", ErrInvalidInput)
	}
	if in.ScheduledTime.IsZero() {
		return nil, fmt.Errorf("%w: scheduled time is required", ErrInvalidInput)
	}

	listing, err := s.listing(ctx, in.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingActive {
		return nil, ErrListingUnavailable
	}
	if listing.SellerID == buyerID {
		return nil, ErrOwnListing
	}

	open, err := s.Store.HasOpenMeetup(ctx, listing.ID, buyerID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDuplicateMeetup
	}

	now := s.now()
	m = &models.Meetup{
		ID:            uuid.NewString(),
		ListingID:     listing.ID,
		BuyerID:       buyerID,
		SellerID:      listing.SellerID,
		ScheduledTime: in.ScheduledTime.UTC(),
		Location:      location,
		Notes:         in.Notes,
		Status:        meetups.Pending.Status,
		PaymentStatus: meetups.Pending.Payment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateMeetup(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateMeetup
		}
		return nil, err
	}

	log.Printf("meetup %s created for listing %s by %s", m.ID, m.ListingID, buyerID)
	s.publish(ctx, events.RKMeetupCreated, buyerID, m, listing.Title)
	return m, nil
}

func (s MeetupService) Get(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := roleOf(m, actorID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s MeetupService) ListForUser(ctx context.Context, actorID string) ([]*models.Meetup, error) {
	if actorID == "" {
		return nil, ErrMissingUserID
	}
	return s.Store.ListMeetupsForUser(ctx, actorID)
}

// Allowed lists what actorID may do next with the meetup.
func (s MeetupService) Allowed(m *models.Meetup, actorID string) []meetups.Action {
	role, err := roleOf(m, actorID)
	if err != nil {
		return nil
	}
	st, err := meetups.StateOf(m)
	if err != nil {
		return nil
	}
	return meetups.Allowed(st, role, s.now(), m.ScheduledTime)
}

func (s MeetupService) Accept(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionAccept)
}

func (s MeetupService) Decline(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionDecline)
}

func (s MeetupService) Cancel(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionCancel)
}

func (s MeetupService) Complete(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionComplete)
}

func (s MeetupService) RequestPayment(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionRequestPayment)
}

func (s MeetupService) MarkPaid(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionMarkPaid)
}

func (s MeetupService) ConfirmPayment(ctx context.Context, actorID, id string) (*models.Meetup, error) {
	return s.Apply(ctx, actorID, id, meetups.ActionConfirmPayment)
}

// Apply runs one lifecycle action for actorID. The write only lands if
// the row still holds the state the decision was made on.
func (s MeetupService) Apply(ctx context.Context, actorID, id string, action meetups.Action) (m *models.Meetup, err error) {
	ctx, span := tracer.Start(ctx, "meetups."+string(action), trace.WithAttributes(attribute.String("meetup.id", id)))
	defer func() { endSpan(span, err) }()

	m, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := roleOf(m, actorID)
	if err != nil {
		return nil, err
	}
	from, err := meetups.StateOf(m)
	if err != nil {
		return nil, err
	}

	now := s.now()
	to, err := meetups.Transition(from, action, role, now, m.ScheduledTime)
	if err != nil {
		if action == meetups.ActionConfirmPayment && from == meetups.CompletedConfirmed && errors.Is(err, meetups.ErrInvalidTransition) {
			return m, nil
		}
		return nil, err
	}

	var title string
	if action == meetups.ActionConfirmPayment {
		credited, ok, err := s.Store.ConfirmPayment(ctx, m.ID)
		if errors.Is(err, store.ErrListingSold) {
			return nil, ErrListingUnavailable
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.settleConcurrentConfirm(ctx, m.ID)
		}
		log.Printf("meetup %s payment confirmed, credited %s to %s", m.ID, credited.StringFixed(2), m.SellerID)
	} else {
		var patch store.StatePatch
		switch action {
		case meetups.ActionRequestPayment:
			listing, err := s.listing(ctx, m.ListingID)
			if err != nil {
				return nil, err
			}
			if listing.Status != models.ListingActive {
				return nil, ErrListingUnavailable
			}
			title = listing.Title
			amount := listing.Price
			patch.PaymentAmount = &amount
			patch.PaymentRequestedAt = &now
		case meetups.ActionMarkPaid:
			patch.PaymentPaidAt = &now
		case meetups.ActionCancel:
			patch.ClearPayment = true
		}

		n, err := s.Store.UpdateMeetupState(ctx, m.ID, from, to, patch)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrConflict
		}
		if patch.ClearPayment {
			m.PaymentAmount, m.PaymentRequestedAt, m.PaymentPaidAt = nil, nil, nil
		}
		if patch.PaymentAmount != nil {
			m.PaymentAmount = patch.PaymentAmount
		}
		if patch.PaymentRequestedAt != nil {
			m.PaymentRequestedAt = patch.PaymentRequestedAt
		}
		if patch.PaymentPaidAt != nil {
			m.PaymentPaidAt = patch.PaymentPaidAt
		}
	}

	m.Status = to.Status
	m.PaymentStatus = to.Payment
	m.UpdatedAt = now
	log.Printf("meetup %s %s -> %s by %s", m.ID, from, to, role)

	if title == "" {
		title = s.listingTitle(ctx, m.ListingID)
	}
	s.publish(ctx, routingKey(action), actorID, m, title)
	return m, nil
}

// settleConcurrentConfirm handles a confirm whose conditional update
// matched nothing. If another request confirmed first the call is a
// no-op success, otherwise the meetup moved somewhere else.
func (s MeetupService) settleConcurrentConfirm(ctx context.Context, id string) (*models.Meetup, error) {
	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st, err := meetups.StateOf(cur); err == nil && st == meetups.CompletedConfirmed {
		return cur, nil
	}
	return nil, ErrConflict
}

func (s MeetupService) Delete(ctx context.Context, actorID, id string) (err error) {
	ctx, span := tracer.Start(ctx, "meetups.Delete", trace.WithAttributes(attribute.String("meetup.id", id)))
	defer func() { endSpan(span, err) }()

	m, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if _, err := roleOf(m, actorID); err != nil {
		return err
	}
	n, err := s.Store.DeleteMeetup(ctx, m.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMeetupNotFound
	}

	log.Printf("meetup %s deleted by %s", m.ID, actorID)
	s.publish(ctx, events.RKMeetupDeleted, actorID, m, s.listingTitle(ctx, m.ListingID))
	return nil
}

// PaymentTarget returns the meetup with its seller profile once a payment
// has been requested, for building a UPI link.
func (s MeetupService) PaymentTarget(ctx context.Context, actorID, id string) (*models.Meetup, *models.Profile, error) {
	m, err := s.Get(ctx, actorID, id)
	if err != nil {
		return nil, nil, err
	}
	if m.PaymentStatus == models.PaymentNone || m.PaymentAmount == nil {
		return nil, nil, fmt.Errorf("%w: payment has not been requested", meetups.ErrInvalidTransition)
	}
	p, err := s.Store.GetProfile(ctx, m.SellerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

func (s MeetupService) load(ctx context.Context, id string) (*models.Meetup, error) {
	if id == "" {
		return nil, ErrMeetupNotFound
	}
	m, err := s.Store.GetMeetup(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMeetupNotFound
	}
	return m, err
}

func (s MeetupService) listing(ctx context.Context, id string) (*models.Listing, error) {
	if id == "" {
		return nil, ErrListingNotFound
	}
	l, err := s.Store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (s MeetupService) listingTitle(ctx context.Context, id string) string {
	l, err := s.Store.GetListing(ctx, id)
	if err != nil {
		return ""
	}
	return l.Title
}

func (s MeetupService) publish(ctx context.Context, key, actorID string, m *models.Meetup, title string) {
	if s.Events == nil {
		return
	}
	ev := events.MeetupEvent{
		ID:          uuid.NewString(),
		Key:         key,
		ActorID:     actorID,
		RecipientID: counterpart(m, actorID),
		ListingName: title,
		Meetup:      Snapshot(m),
		OccurredAt:  s.now(),
	}
	if err := s.Events.PublishMeetup(ctx, ev); err != nil {
		log.Printf("publish %s for meetup %s failed: %v", key, m.ID, err)
	}
}

func (s MeetupService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func Snapshot(m *models.Meetup) events.MeetupSnapshot {
	snap := events.MeetupSnapshot{
		ID:            m.ID,
		ListingID:     m.ListingID,
		BuyerID:       m.BuyerID,
		SellerID:      m.SellerID,
		ScheduledTime: m.ScheduledTime,
		Location:      m.Location,
		Status:        string(m.Status),
		PaymentStatus: string(m.PaymentStatus),
	}
	if m.PaymentAmount != nil {
		snap.PaymentAmount = m.PaymentAmount.StringFixed(2)
	}
	return snap
}

func roleOf(m *models.Meetup, actorID string) (meetups.Role, error) {
	switch {
	case actorID == "":
		return "", ErrMissingUserID
	case actorID == m.SellerID:
		return meetups.RoleSeller, nil
	case actorID == m.BuyerID:
		return meetups.RoleBuyer, nil
	}
	return "", ErrNotParticipant
}

func counterpart(m *models.Meetup, actorID string) string {
	if actorID == m.BuyerID {
		return m.SellerID
	}
	return m.BuyerID
}

func routingKey(a meetups.Action) string {
	switch a {
	case meetups.ActionAccept:
		return events.RKMeetupAccepted
	case meetups.ActionDecline:
		return events.RKMeetupDeclined
	case meetups.ActionCancel:
		return events.RKMeetupCancelled
	case meetups.ActionComplete:
		return events.RKMeetupCompleted
	case meetups.ActionRequestPayment:
		return events.RKMeetupPaymentRequested
	case meetups.ActionMarkPaid:
		return events.RKMeetupPaid
	case meetups.ActionConfirmPayment:
		return events.RKMeetupPaymentConfirmed
	}
	return "meetup." + string(a)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
