package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Nexlify/internal/events"
	"Nexlify/internal/meetups"
	"Nexlify/internal/models"
	"Nexlify/internal/store"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu       sync.Mutex
	meetups  map[string]*models.Meetup
	listings map[string]*models.Listing
	profiles map[string]*models.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meetups: map[string]*models.Meetup{},
		listings: map[string]*models.Listing{
			"l1": {ID: "l1", SellerID: "seller", Title: "Desk lamp", Price: decimal.NewFromInt(500), Status: models.ListingActive},
			"l2": {ID: "l2", SellerID: "seller", Title: "Old bike", Price: decimal.NewFromInt(900), Status: models.ListingSold},
		},
		profiles: map[string]*models.Profile{
			"seller": {ID: "seller", FullName: "Sam", TotalEarned: decimal.NewFromInt(100)},
			"buyer":  {ID: "buyer", FullName: "Bea"},
			"buyer2": {ID: "buyer2", FullName: "Ravi"},
		},
	}
}

func (f *fakeStore) CreateMeetup(_ context.Context, m *models.Meetup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.meetups {
		if x.ListingID == m.ListingID && x.BuyerID == m.BuyerID &&
			(x.Status == models.MeetupPending || x.Status == models.MeetupAccepted) {
			return store.ErrDuplicate
		}
	}
	cp := *m
	f.meetups[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMeetup(_ context.Context, id string) (*models.Meetup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) ListMeetupsForUser(_ context.Context, userID string) ([]*models.Meetup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Meetup
	for _, m := range f.meetups {
		if m.BuyerID == userID || m.SellerID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) HasOpenMeetup(_ context.Context, listingID, buyerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.meetups {
		if m.ListingID == listingID && m.BuyerID == buyerID &&
			(m.Status == models.MeetupPending || m.Status == models.MeetupAccepted) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateMeetupState(_ context.Context, id string, from, to meetups.State, patch store.StatePatch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetups[id]
	if !ok || m.Status != from.Status || m.PaymentStatus != from.Payment {
		return 0, nil
	}
	m.Status, m.PaymentStatus = to.Status, to.Payment
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
	return 1, nil
}

func (f *fakeStore) ConfirmPayment(_ context.Context, id string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetups[id]
	if !ok || m.Status != models.MeetupAccepted || m.PaymentStatus != models.PaymentPaid {
		return decimal.Zero, false, nil
	}
	l := f.listings[m.ListingID]
	if l.Status != models.ListingActive {
		return decimal.Zero, false, store.ErrListingSold
	}
	p, ok := f.profiles[m.SellerID]
	if !ok {
		return decimal.Zero, false, store.ErrNotFound
	}
	m.Status, m.PaymentStatus = models.MeetupCompleted, models.PaymentConfirmed
	l.Status = models.ListingSold
	p.TotalEarned = p.TotalEarned.Add(l.Price)
	return l.Price, true, nil
}

func (f *fakeStore) DeleteMeetup(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.meetups[id]; !ok {
		return 0, nil
	}
	delete(f.meetups, id)
	return 1, nil
}

func (f *fakeStore) GetListing(_ context.Context, id string) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.MeetupEvent
	err    error
}

func (r *recordingSink) PublishMeetup(_ context.Context, ev events.MeetupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) PublishMessage(context.Context, events.MessageEvent) error { return nil }

func (r *recordingSink) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Key)
	}
	return out
}

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newService(clock *time.Time) (MeetupService, *fakeStore, *recordingSink) {
	fs := newFakeStore()
	sink := &recordingSink{}
	return MeetupService{Store: fs, Events: sink, Now: func() time.Time { return *clock }}, fs, sink
}

func createMeetup(t *testing.T, svc MeetupService) *models.Meetup {
	t.Helper()
	m, err := svc.Create(context.Background(), "buyer", CreateMeetupInput{
		ListingID:     "l1",
		ScheduledTime: baseTime.Add(2 * time.Hour),
		Location:      "  Library steps ",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return m
}

func TestPaymentFlowCreditsSellerOnce(t *testing.T) {
	clock := baseTime
	svc, fs, sink := newService(&clock)
	ctx := context.Background()

	m := createMeetup(t, svc)
	if m.Status != models.MeetupPending || m.PaymentStatus != models.PaymentNone {
		t.Fatalf("new meetup state = %s/%s", m.Status, m.PaymentStatus)
	}
	if m.SellerID != "seller" || m.Location != "Library steps" {
		t.Fatalf("unexpected meetup %+v", m)
	}

	if _, err := svc.Accept(ctx, "seller", m.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := svc.RequestPayment(ctx, "seller", m.ID)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if got.PaymentAmount == nil || !got.PaymentAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("payment amount = %v", got.PaymentAmount)
	}
	if got.PaymentRequestedAt == nil {
		t.Fatal("payment_requested_at not stamped")
	}
	got, err = svc.MarkPaid(ctx, "buyer", m.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if got.PaymentPaidAt == nil {
		t.Fatal("payment_paid_at not stamped")
	}
	got, err = svc.ConfirmPayment(ctx, "seller", m.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != models.MeetupCompleted || got.PaymentStatus != models.PaymentConfirmed {
		t.Fatalf("confirmed state = %s/%s", got.Status, got.PaymentStatus)
	}

	// A second confirm is a no-op.
	if _, err := svc.ConfirmPayment(ctx, "seller", m.ID); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}

	if fs.listings["l1"].Status != models.ListingSold {
		t.Fatal("listing not marked sold")
	}
	if want := decimal.NewFromInt(600); !fs.profiles["seller"].TotalEarned.Equal(want) {
		t.Fatalf("total earned = %s, want %s", fs.profiles["seller"].TotalEarned, want)
	}

	want := []string{
		events.RKMeetupCreated, events.RKMeetupAccepted, events.RKMeetupPaymentRequested,
		events.RKMeetupPaid, events.RKMeetupPaymentConfirmed,
	}
	keys := sink.keys()
	if len(keys) != len(want) {
		t.Fatalf("events = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("events = %v, want %v", keys, want)
		}
	}
	if ev := sink.events[1]; ev.RecipientID != "buyer" || ev.ListingName != "Desk lamp" {
		t.Fatalf("accept event = %+v", ev)
	}
}

func TestConcurrentConfirmCreditsOnce(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()

	m := createMeetup(t, svc)
	for _, step := range []struct {
		actor string
		fn    func(context.Context, string, string) (*models.Meetup, error)
	}{
		{"seller", svc.Accept},
		{"seller", svc.RequestPayment},
		{"buyer", svc.MarkPaid},
	} {
		if _, err := step.fn(ctx, step.actor, m.ID); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConfirmPayment(ctx, "seller", m.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
	if want := decimal.NewFromInt(600); !fs.profiles["seller"].TotalEarned.Equal(want) {
		t.Fatalf("total earned = %s, want %s", fs.profiles["seller"].TotalEarned, want)
	}
}

func TestCreateRejections(t *testing.T) {
	clock := baseTime
	svc, _, _ := newService(&clock)
	ctx := context.Background()
	future := baseTime.Add(time.Hour)

	cases := []struct {
		name  string
		buyer string
		in    CreateMeetupInput
		err   error
	}{
		{"missing user", "", CreateMeetupInput{ListingID: "l1", ScheduledTime: future, Location: "x"}, ErrMissingUserID},
		{"unknown listing", "buyer", CreateMeetupInput{ListingID: "nope", ScheduledTime: future, Location: "x"}, ErrListingNotFound},
		{"sold listing", "buyer", CreateMeetupInput{ListingID: "l2", ScheduledTime: future, Location: "x"}, ErrListingUnavailable},
		{"own listing", "seller", CreateMeetupInput{ListingID: "l1", ScheduledTime: future, Location: "x"}, ErrOwnListing},
		{"blank location", "buyer", CreateMeetupInput{ListingID: "l1", ScheduledTime: future, Location: "  "}, ErrInvalidInput},
		{"no time", "buyer", CreateMeetupInput{ListingID: "l1", Location: "x"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.buyer, tc.in); !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestCreateDuplicateOpenMeetup(t *testing.T) {
	clock := baseTime
	svc, _, _ := newService(&clock)
	ctx := context.Background()

	m := createMeetup(t, svc)
	in := CreateMeetupInput{ListingID: "l1", ScheduledTime: baseTime.Add(time.Hour), Location: "Gate 2"}
	if _, err := svc.Create(ctx, "buyer", in); !errors.Is(err, ErrDuplicateMeetup) {
		t.Fatalf("expected ErrDuplicateMeetup, got %v", err)
	}

	if _, err := svc.Decline(ctx, "seller", m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, "buyer", in); err != nil {
		t.Fatalf("create after decline: %v", err)
	}
}

func TestTransitionsRejectedLeaveStateUnchanged(t *testing.T) {
	clock := baseTime
	svc, fs, sink := newService(&clock)
	ctx := context.Background()
	m := createMeetup(t, svc)

	if _, err := svc.Accept(ctx, "buyer", m.ID); !errors.Is(err, meetups.ErrForbiddenRole) {
		t.Fatalf("buyer accept: %v", err)
	}
	if _, err := svc.Decline(ctx, "stranger", m.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger decline: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, "buyer", m.ID); !errors.Is(err, meetups.ErrInvalidTransition) {
		t.Fatalf("mark paid from pending: %v", err)
	}
	if _, err := svc.Accept(ctx, "seller", "missing"); !errors.Is(err, ErrMeetupNotFound) {
		t.Fatalf("missing meetup: %v", err)
	}

	if st := fs.meetups[m.ID]; st.Status != models.MeetupPending || st.PaymentStatus != models.PaymentNone {
		t.Fatalf("state changed to %s/%s", st.Status, st.PaymentStatus)
	}
	if n := len(sink.keys()); n != 1 {
		t.Fatalf("expected only the create event, got %d", n)
	}
}

func TestCompleteWaitsForScheduledTime(t *testing.T) {
	clock := baseTime
	svc, _, _ := newService(&clock)
	ctx := context.Background()
	m := createMeetup(t, svc)
	if _, err := svc.Accept(ctx, "seller", m.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Complete(ctx, "buyer", m.ID); !errors.Is(err, meetups.ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}
	clock = baseTime.Add(3 * time.Hour)
	got, err := svc.Complete(ctx, "buyer", m.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.MeetupCompleted || got.PaymentStatus != models.PaymentNone {
		t.Fatalf("state = %s/%s", got.Status, got.PaymentStatus)
	}
}

func TestApplyConflictWhenRowMoved(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()
	m := createMeetup(t, svc)

	racer := &racingStore{fakeStore: fs, before: func() {
		fs.meetups[m.ID].Status = models.MeetupCancelled
	}}
	svc.Store = racer
	if _, err := svc.Accept(ctx, "seller", m.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// racingStore mutates the row between the read and the conditional write.
type racingStore struct {
	*fakeStore
	before func()
}

func (r *racingStore) UpdateMeetupState(ctx context.Context, id string, from, to meetups.State, patch store.StatePatch) (int64, error) {
	r.fakeStore.mu.Lock()
	r.before()
	r.fakeStore.mu.Unlock()
	return r.fakeStore.UpdateMeetupState(ctx, id, from, to, patch)
}

func TestDeleteKeepsSideEffects(t *testing.T) {
	clock := baseTime
	svc, fs, sink := newService(&clock)
	ctx := context.Background()
	m := createMeetup(t, svc)

	if err := svc.Delete(ctx, "stranger", m.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger delete: %v", err)
	}
	if err := svc.Delete(ctx, "buyer", m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := fs.meetups[m.ID]; ok {
		t.Fatal("meetup still stored")
	}
	if keys := sink.keys(); keys[len(keys)-1] != events.RKMeetupDeleted {
		t.Fatalf("events = %v", keys)
	}
	if err := svc.Delete(ctx, "buyer", m.ID); !errors.Is(err, ErrMeetupNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	clock := baseTime
	svc, _, sink := newService(&clock)
	sink.err = errors.New("broker down")
	m := createMeetup(t, svc)
	if _, err := svc.Accept(context.Background(), "seller", m.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestPaymentTarget(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()
	m := createMeetup(t, svc)
	if _, err := svc.Accept(ctx, "seller", m.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.PaymentTarget(ctx, "buyer", m.ID); !errors.Is(err, meetups.ErrInvalidTransition) {
		t.Fatalf("before request: %v", err)
	}
	if _, err := svc.RequestPayment(ctx, "seller", m.ID); err != nil {
		t.Fatal(err)
	}
	upi := "sam@upi"
	fs.profiles["seller"].UPIID = &upi

	got, p, err := svc.PaymentTarget(ctx, "buyer", m.ID)
	if err != nil {
		t.Fatalf("payment target: %v", err)
	}
	if p.UPIID == nil || *p.UPIID != upi || !got.PaymentAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected target %+v %+v", got, p)
	}
}

func TestAllowedForParticipants(t *testing.T) {
	clock := baseTime
	svc, _, _ := newService(&clock)
	m := createMeetup(t, svc)

	seller := svc.Allowed(m, "seller")
	if len(seller) != 3 || seller[0] != meetups.ActionAccept {
		t.Fatalf("seller actions = %v", seller)
	}
	buyer := svc.Allowed(m, "buyer")
	if len(buyer) != 1 || buyer[0] != meetups.ActionCancel {
		t.Fatalf("buyer actions = %v", buyer)
	}
	if got := svc.Allowed(m, "stranger"); got != nil {
		t.Fatalf("stranger actions = %v", got)
	}
}

func scheduleFor(t *testing.T, svc MeetupService, buyer string) *models.Meetup {
	t.Helper()
	m, err := svc.Create(context.Background(), buyer, CreateMeetupInput{
		ListingID:     "l1",
		ScheduledTime: baseTime.Add(2 * time.Hour),
		Location:      "Gate 2",
	})
	if err != nil {
		t.Fatalf("create for %s: %v", buyer, err)
	}
	return m
}

func runSteps(t *testing.T, svc MeetupService, id string, steps ...meetups.Action) {
	t.Helper()
	for _, a := range steps {
		actor := "seller"
		if a == meetups.ActionMarkPaid {
			m, _ := svc.Store.GetMeetup(context.Background(), id)
			actor = m.BuyerID
		}
		if _, err := svc.Apply(context.Background(), actor, id, a); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
}

func TestSoldListingCannotBeSoldAgain(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()

	first := scheduleFor(t, svc, "buyer")
	second := scheduleFor(t, svc, "buyer2")

	runSteps(t, svc, first.ID, meetups.ActionAccept, meetups.ActionRequestPayment, meetups.ActionMarkPaid)
	runSteps(t, svc, second.ID, meetups.ActionAccept, meetups.ActionRequestPayment, meetups.ActionMarkPaid)

	if _, err := svc.ConfirmPayment(ctx, "seller", first.ID); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := svc.ConfirmPayment(ctx, "seller", second.ID); !errors.Is(err, ErrListingUnavailable) {
		t.Fatalf("second confirm: expected ErrListingUnavailable, got %v", err)
	}

	if want := decimal.NewFromInt(600); !fs.profiles["seller"].TotalEarned.Equal(want) {
		t.Fatalf("total earned = %s, want %s", fs.profiles["seller"].TotalEarned, want)
	}
	if m := fs.meetups[second.ID]; m.Status != models.MeetupAccepted || m.PaymentStatus != models.PaymentPaid {
		t.Fatalf("second meetup moved to %s/%s", m.Status, m.PaymentStatus)
	}
}

func TestRequestPaymentOnSoldListing(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()

	first := scheduleFor(t, svc, "buyer")
	other := scheduleFor(t, svc, "buyer2")
	runSteps(t, svc, other.ID, meetups.ActionAccept)
	runSteps(t, svc, first.ID, meetups.ActionAccept, meetups.ActionRequestPayment, meetups.ActionMarkPaid, meetups.ActionConfirmPayment)

	if _, err := svc.RequestPayment(ctx, "seller", other.ID); !errors.Is(err, ErrListingUnavailable) {
		t.Fatalf("expected ErrListingUnavailable, got %v", err)
	}
	if m := fs.meetups[other.ID]; m.PaymentStatus != models.PaymentNone || m.PaymentAmount != nil {
		t.Fatalf("other meetup = %s amount=%v", m.PaymentStatus, m.PaymentAmount)
	}
}

func TestCancelClearsRequestedPayment(t *testing.T) {
	clock := baseTime
	svc, fs, _ := newService(&clock)
	ctx := context.Background()

	m := createMeetup(t, svc)
	runSteps(t, svc, m.ID, meetups.ActionAccept, meetups.ActionRequestPayment)

	got, err := svc.Cancel(ctx, "buyer", m.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.PaymentStatus != models.PaymentNone || got.PaymentAmount != nil || got.PaymentRequestedAt != nil {
		t.Fatalf("returned meetup keeps payment: %+v", got)
	}
	stored := fs.meetups[m.ID]
	if stored.PaymentAmount != nil || stored.PaymentRequestedAt != nil {
		t.Fatalf("stored meetup keeps payment: amount=%v requested=%v", stored.PaymentAmount, stored.PaymentRequestedAt)
	}
}
