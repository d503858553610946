// Package meetups holds the meetup lifecycle rules. Status and payment
// status are modelled as one combined State so that combinations such
// as cancelled/paid cannot be built.
package meetups

import (
	"errors"
	"fmt"
	"time"

	"Nexlify/internal/models"
)

var (
	ErrInvalidState      = errors.New("invalid meetup state")
	ErrInvalidTransition = errors.New("transition not allowed from current state")
	ErrForbiddenRole     = errors.New("action not permitted for this party")
	ErrTooEarly          = errors.New("meetup time has not passed yet")
	ErrUnknownAction     = errors.New("unknown meetup action")
)

type State struct {
	Status  models.MeetupStatus
	Payment models.PaymentStatus
}

var (
	Pending            = State{models.MeetupPending, models.PaymentNone}
	Accepted           = State{models.MeetupAccepted, models.PaymentNone}
	PaymentRequested   = State{models.MeetupAccepted, models.PaymentRequested}
	PaymentPaid        = State{models.MeetupAccepted, models.PaymentPaid}
	Declined           = State{models.MeetupDeclined, models.PaymentNone}
	Cancelled          = State{models.MeetupCancelled, models.PaymentNone}
	Completed          = State{models.MeetupCompleted, models.PaymentNone}
	CompletedConfirmed = State{models.MeetupCompleted, models.PaymentConfirmed}
)

var validStates = map[State]struct{}{
	Pending:            {},
	Accepted:           {},
	PaymentRequested:   {},
	PaymentPaid:        {},
	Declined:           {},
	Cancelled:          {},
	Completed:          {},
	CompletedConfirmed: {},
}

// NewState validates a status pair read from storage. An empty payment
// status is read as none.
func NewState(status models.MeetupStatus, payment models.PaymentStatus) (State, error) {
	if payment == "" {
		payment = models.PaymentNone
	}
	s := State{Status: status, Payment: payment}
	if _, ok := validStates[s]; !ok {
		return State{}, fmt.Errorf("%w: %s/%s", ErrInvalidState, status, payment)
	}
	return s, nil
}

func StateOf(m *models.Meetup) (State, error) {
	return NewState(m.Status, m.PaymentStatus)
}

func (s State) Terminal() bool {
	switch s.Status {
	case models.MeetupDeclined, models.MeetupCancelled, models.MeetupCompleted:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s.Status) + "/" + string(s.Payment)
}

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

type Action string

const (
	ActionAccept         Action = "accept"
	ActionDecline        Action = "decline"
	ActionCancel         Action = "cancel"
	ActionComplete       Action = "complete"
	ActionRequestPayment Action = "request-payment"
	ActionMarkPaid       Action = "mark-paid"
	ActionConfirmPayment Action = "confirm-payment"
)

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := edges[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

type edge struct {
	from  []State
	to    State
	roles []Role
	// afterSchedule requires the scheduled time to be in the past.
	afterSchedule bool
}

var either = []Role{RoleBuyer, RoleSeller}

var edges = map[Action]edge{
	ActionAccept:         {from: []State{Pending}, to: Accepted, roles: []Role{RoleSeller}},
	ActionDecline:        {from: []State{Pending}, to: Declined, roles: []Role{RoleSeller}},
	ActionCancel:         {from: []State{Pending, Accepted, PaymentRequested}, to: Cancelled, roles: either},
	ActionComplete:       {from: []State{Accepted}, to: Completed, roles: either, afterSchedule: true},
	ActionRequestPayment: {from: []State{Accepted}, to: PaymentRequested, roles: []Role{RoleSeller}},
	ActionMarkPaid:       {from: []State{PaymentRequested}, to: PaymentPaid, roles: []Role{RoleBuyer}},
	ActionConfirmPayment: {from: []State{PaymentPaid}, to: CompletedConfirmed, roles: []Role{RoleSeller}},
}

// Transition returns the state reached by applying action as role. The
// role check runs before the state check so a buyer calling accept is
// told it is forbidden rather than that the meetup moved on.
func Transition(from State, action Action, role Role, now, scheduled time.Time) (State, error) {
	e, ok := edges[action]
	if !ok {
		return from, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !hasRole(e.roles, role) {
		return from, fmt.Errorf("%w: %s cannot %s", ErrForbiddenRole, role, action)
	}
	if !hasState(e.from, from) {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
	}
	if e.afterSchedule && !now.After(scheduled) {
		return from, ErrTooEarly
	}
	return e.to, nil
}

// Allowed lists the actions role may take from s at time now.
func Allowed(s State, role Role, now, scheduled time.Time) []Action {
	order := []Action{
		ActionAccept, ActionDecline, ActionRequestPayment, ActionMarkPaid,
		ActionConfirmPayment, ActionComplete, ActionCancel,
	}
	var out []Action
	for _, a := range order {
		if _, err := Transition(s, a, role, now, scheduled); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func hasRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

func hasState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
