package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MeetupStatus string

const (
	MeetupPending   MeetupStatus = "pending"
	MeetupAccepted  MeetupStatus = "accepted"
	MeetupDeclined  MeetupStatus = "declined"
	MeetupCancelled MeetupStatus = "cancelled"
	MeetupCompleted MeetupStatus = "completed"
)

type PaymentStatus string

const (
	PaymentNone      PaymentStatus = "none"
	PaymentRequested PaymentStatus = "requested"
	PaymentPaid      PaymentStatus = "paid"
	PaymentConfirmed PaymentStatus = "confirmed"
)

type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
)

type Meetup struct {
	ID                 string
	ListingID          string
	BuyerID            string
	SellerID           string
	ScheduledTime      time.Time
	Location           string
	Notes              *string
	Status             MeetupStatus
	PaymentStatus      PaymentStatus
	PaymentAmount      *decimal.Decimal
	PaymentRequestedAt *time.Time
	PaymentPaidAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Listing struct {
	ID       string
	SellerID string
	Title    string
	Price    decimal.Decimal
	Status   ListingStatus
}

type Profile struct {
	ID          string
	FullName    string
	UPIID       *string
	TotalEarned decimal.Decimal
}

type FCMToken struct {
	UserID     string
	Token      string
	DeviceInfo *string
	UpdatedAt  time.Time
}
