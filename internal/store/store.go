package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"Nexlify/internal/meetups"
	"Nexlify/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrListingSold means the listing was already sold through another
	// meetup.
	ErrListingSold = errors.New("listing already sold")
)

const uniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const meetupColumns = `id, listing_id, buyer_id, seller_id, scheduled_time, location, notes,
	status, payment_status, payment_amount, payment_requested_at, payment_paid_at,
	created_at, updated_at`

func (s *Store) CreateMeetup(ctx context.Context, m *models.Meetup) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO meetups (
			id, listing_id, buyer_id, seller_id, scheduled_time, location, notes,
			status, payment_status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		m.ID,
		m.ListingID,
		m.BuyerID,
		m.SellerID,
		m.ScheduledTime,
		m.Location,
		m.Notes,
		m.Status,
		m.PaymentStatus,
		m.CreatedAt,
		m.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// validID reports whether id can be compared against a UUID column.
// Anything else would fail in Postgres rather than match nothing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) GetMeetup(ctx context.Context, id string) (*models.Meetup, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	row := s.Pool.QueryRow(ctx, `SELECT `+meetupColumns+` FROM meetups WHERE id=$1`, id)
	m, err := scanMeetup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *Store) ListMeetupsForUser(ctx context.Context, userID string) ([]*models.Meetup, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+meetupColumns+`
		FROM meetups
		WHERE buyer_id=$1 OR seller_id=$1
		ORDER BY scheduled_time DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Meetup
	for rows.Next() {
		m, err := scanMeetup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) HasOpenMeetup(ctx context.Context, listingID, buyerID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM meetups
			WHERE listing_id=$1 AND buyer_id=$2 AND status IN ('pending','accepted')
		)
	`, listingID, buyerID).Scan(&exists)
	return exists, err
}

// StatePatch carries the columns a transition stamps besides the state.
type StatePatch struct {
	PaymentAmount      *decimal.Decimal
	PaymentRequestedAt *time.Time
	PaymentPaidAt      *time.Time
	// ClearPayment nulls the payment columns, for edges back to none.
	ClearPayment bool
}

// UpdateMeetupState moves a meetup from one state to another only if it
// is still in from. It returns the number of rows changed, so zero means
// someone else got there first.
func (s *Store) UpdateMeetupState(ctx context.Context, id string, from, to meetups.State, patch StatePatch) (int64, error) {
	var amount decimal.NullDecimal
	if patch.PaymentAmount != nil {
		amount = decimal.NewNullDecimal(*patch.PaymentAmount)
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE meetups
		SET status=$4, payment_status=$5,
			payment_amount=CASE WHEN $9 THEN NULL ELSE COALESCE($6, payment_amount) END,
			payment_requested_at=CASE WHEN $9 THEN NULL ELSE COALESCE($7, payment_requested_at) END,
			payment_paid_at=CASE WHEN $9 THEN NULL ELSE COALESCE($8, payment_paid_at) END,
			updated_at=now()
		WHERE id=$1 AND status=$2 AND payment_status=$3
	`, id, from.Status, from.Payment, to.Status, to.Payment, amount, patch.PaymentRequestedAt, patch.PaymentPaidAt, patch.ClearPayment)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ConfirmPayment completes a paid meetup, marks its listing sold and
// credits the seller with the listing price in one transaction. ok is
// false when the meetup was no longer accepted/paid, in which case
// nothing is written. A listing that is no longer active rolls the whole
// transaction back with ErrListingSold.
func (s *Store) ConfirmPayment(ctx context.Context, id string) (credited decimal.Decimal, ok bool, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	defer tx.Rollback(ctx)

	var listingID, sellerID string
	err = tx.QueryRow(ctx, `
		UPDATE meetups
		SET status='completed', payment_status='confirmed', updated_at=now()
		WHERE id=$1 AND status='accepted' AND payment_status='paid'
		RETURNING listing_id, seller_id
	`, id).Scan(&listingID, &sellerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("complete meetup: %w", err)
	}

	var price decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE listings SET status='sold', updated_at=now()
		WHERE id=$1 AND status='active'
		RETURNING price
	`, listingID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, fmt.Errorf("listing %s: %w", listingID, ErrListingSold)
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("mark listing sold: %w", err)
	}

	res, err := tx.Exec(ctx, `
		UPDATE profiles SET total_earned = total_earned + $2, updated_at=now()
		WHERE id=$1
	`, sellerID, price)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("credit seller: %w", err)
	}
	if res.RowsAffected() == 0 {
		return decimal.Zero, false, fmt.Errorf("profile %s: %w", sellerID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, false, err
	}
	return price, true, nil
}

func (s *Store) DeleteMeetup(ctx context.Context, id string) (int64, error) {
	if !validID(id) {
		return 0, nil
	}
	res, err := s.Pool.Exec(ctx, `DELETE FROM meetups WHERE id=$1`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var l models.Listing
	err := s.Pool.QueryRow(ctx, `
		SELECT id, seller_id, title, price, status FROM listings WHERE id=$1
	`, id).Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &l.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var p models.Profile
	var fullName, upiID sql.NullString
	err := s.Pool.QueryRow(ctx, `
		SELECT id, full_name, upi_id, total_earned FROM profiles WHERE id=$1
	`, id).Scan(&p.ID, &fullName, &upiID, &p.TotalEarned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.FullName = fullName.String
	if upiID.Valid && upiID.String != "" {
		p.UPIID = &upiID.String
	}
	return &p, nil
}

func (s *Store) UpsertFCMToken(ctx context.Context, userID, token string, deviceInfo *string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO user_fcm_tokens (user_id, fcm_token, device_info, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, fcm_token)
		DO UPDATE SET device_info=EXCLUDED.device_info, updated_at=EXCLUDED.updated_at
	`, userID, token, deviceInfo)
	return err
}

func (s *Store) ListFCMTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT fcm_token FROM user_fcm_tokens WHERE user_id=$1 ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Store) DeleteFCMToken(ctx context.Context, userID, token string) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM user_fcm_tokens WHERE user_id=$1 AND fcm_token=$2
	`, userID, token)
	return err
}

func scanMeetup(row pgx.Row) (*models.Meetup, error) {
	var m models.Meetup
	var notes sql.NullString
	var amount decimal.NullDecimal
	var requestedAt, paidAt sql.NullTime

	err := row.Scan(
		&m.ID,
		&m.ListingID,
		&m.BuyerID,
		&m.SellerID,
		&m.ScheduledTime,
		&m.Location,
		&notes,
		&m.Status,
		&m.PaymentStatus,
		&amount,
		&requestedAt,
		&paidAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if notes.Valid {
		m.Notes = &notes.String
	}
	if amount.Valid {
		m.PaymentAmount = &amount.Decimal
	}
	if requestedAt.Valid {
		m.PaymentRequestedAt = &requestedAt.Time
	}
	if paidAt.Valid {
		m.PaymentPaidAt = &paidAt.Time
	}
	return &m, nil
}
