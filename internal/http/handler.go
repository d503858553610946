package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"Nexlify/internal/auth"
	"Nexlify/internal/events"
	"Nexlify/internal/meetups"
	"Nexlify/internal/models"
	"Nexlify/internal/notify"
	"Nexlify/internal/payments"
	"Nexlify/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Meetups interface {
	Create(ctx context.Context, buyerID string, in services.CreateMeetupInput) (*models.Meetup, error)
	Get(ctx context.Context, actorID, id string) (*models.Meetup, error)
	ListForUser(ctx context.Context, actorID string) ([]*models.Meetup, error)
	Apply(ctx context.Context, actorID, id string, action meetups.Action) (*models.Meetup, error)
	Delete(ctx context.Context, actorID, id string) error
	PaymentTarget(ctx context.Context, actorID, id string) (*models.Meetup, *models.Profile, error)
	Allowed(m *models.Meetup, actorID string) []meetups.Action
}

type TokenRegistrar interface {
	Register(ctx context.Context, userID, token string, deviceInfo *string) error
}

type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Meetups Meetups
	Tokens  TokenRegistrar
	Push    notify.Pusher
	// Queue receives v2 message notifications. Nil means deliver inline.
	Queue events.Sink
	Live  LiveServer
	DB    Pinger
	// Flags lists configuration presence reported by diagnostics.
	Flags map[string]bool

	validate *validator.Validate
}

func NewHandler(m Meetups, tokens TokenRegistrar, push notify.Pusher) *Handler {
	return &Handler{Meetups: m, Tokens: tokens, Push: push, validate: validator.New()}
}

type saveTokenRequest struct {
	Token      string  `json:"token" validate:"required,max=4096"`
	DeviceInfo *string `json:"device_info" validate:"omitempty,max=1024"`
}

type messageNotificationRequest struct {
	RecipientUserID string `json:"recipientUserId" validate:"required"`
	MessageText     string `json:"messageText" validate:"required"`
	SenderName      string `json:"senderName"`
	ChatID          string `json:"chatId" validate:"required"`
}

type createMeetupRequest struct {
	ListingID     string    `json:"listing_id" validate:"required"`
	ScheduledTime time.Time `json:"scheduled_time" validate:"required"`
	Location      string    `json:"location" validate:"required,max=200"`
	Notes         *string   `json:"notes" validate:"omitempty,max=1000"`
}

type meetupResponse struct {
	ID                 string   `json:"id"`
	ListingID          string   `json:"listing_id"`
	BuyerID            string   `json:"buyer_id"`
	SellerID           string   `json:"seller_id"`
	ScheduledTime      string   `json:"scheduled_time"`
	Location           string   `json:"location"`
	Notes              *string  `json:"notes,omitempty"`
	Status             string   `json:"status"`
	PaymentStatus      string   `json:"payment_status"`
	PaymentAmount      string   `json:"payment_amount,omitempty"`
	PaymentRequestedAt string   `json:"payment_requested_at,omitempty"`
	PaymentPaidAt      string   `json:"payment_paid_at,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	Actions            []string `json:"actions"`
}

type upiResponse struct {
	Link   string `json:"link"`
	UPIID  string `json:"upi_id"`
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
}

func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	out := map[string]bool{}
	for k, v := range h.Flags {
		out[k] = v
	}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out["db_reachable"] = h.DB.Ping(ctx) == nil
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SaveFCMToken(w http.ResponseWriter, r *http.Request) {
	var req saveTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Tokens.Register(r.Context(), auth.UserID(r.Context()), req.Token, req.DeviceInfo); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) SendMessageNotification(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.messageEvent(w, r)
	if !ok {
		return
	}
	rep, err := h.Push.SendToUser(r.Context(), ev.RecipientID, notify.MessageNotification(ev))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": rep})
}

// SendMessageNotificationV2 hands the notification to the event queue and
// returns before delivery.
func (h *Handler) SendMessageNotificationV2(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		h.SendMessageNotification(w, r)
		return
	}
	ev, ok := h.messageEvent(w, r)
	if !ok {
		return
	}
	if err := h.Queue.PublishMessage(r.Context(), ev); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true, "id": ev.ID})
}

func (h *Handler) messageEvent(w http.ResponseWriter, r *http.Request) (events.MessageEvent, bool) {
	var req messageNotificationRequest
	if !h.decode(w, r, &req) {
		return events.MessageEvent{}, false
	}
	return events.MessageEvent{
		ID:          uuid.NewString(),
		ChatID:      req.ChatID,
		SenderID:    auth.UserID(r.Context()),
		SenderName:  req.SenderName,
		RecipientID: req.RecipientUserID,
		Text:        req.MessageText,
		OccurredAt:  time.Now().UTC(),
	}, true
}

func (h *Handler) CreateMeetup(w http.ResponseWriter, r *http.Request) {
	var req createMeetupRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := auth.UserID(r.Context())
	m, err := h.Meetups.Create(r.Context(), userID, services.CreateMeetupInput{
		ListingID:     req.ListingID,
		ScheduledTime: req.ScheduledTime,
		Location:      req.Location,
		Notes:         req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.meetupResponse(m, userID))
}

func (h *Handler) ListMeetups(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	list, err := h.Meetups.ListForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]meetupResponse, 0, len(list))
	for _, m := range list {
		out = append(out, h.meetupResponse(m, userID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetMeetup(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	m, err := h.Meetups.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.meetupResponse(m, userID))
}

func (h *Handler) DeleteMeetup(w http.ResponseWriter, r *http.Request) {
	if err := h.Meetups.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MeetupAction(w http.ResponseWriter, r *http.Request) {
	action, err := meetups.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := auth.UserID(r.Context())
	m, err := h.Meetups.Apply(r.Context(), userID, chi.URLParam(r, "id"), action)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.meetupResponse(m, userID))
}

func (h *Handler) MeetupUPI(w http.ResponseWriter, r *http.Request) {
	resp, ok := h.upi(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) MeetupUPIQR(w http.ResponseWriter, r *http.Request) {
	size := 0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
		size = n
	}
	resp, ok := h.upi(w, r)
	if !ok {
		return
	}
	png, err := payments.QRCode(resp.Link, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) upi(w http.ResponseWriter, r *http.Request) (upiResponse, bool) {
	m, seller, err := h.Meetups.PaymentTarget(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return upiResponse{}, false
	}
	if seller.UPIID == nil {
		writeServiceError(w, payments.ErrNoUPIID)
		return upiResponse{}, false
	}
	payee := seller.FullName
	if payee == "" {
		payee = "Nexlify seller"
	}
	link, err := payments.Link(*seller.UPIID, payee, *m.PaymentAmount)
	if err != nil {
		writeServiceError(w, err)
		return upiResponse{}, false
	}
	return upiResponse{
		Link:   link,
		UPIID:  *seller.UPIID,
		Payee:  payee,
		Amount: m.PaymentAmount.StringFixed(2),
	}, true
}

func (h *Handler) LiveFeed(w http.ResponseWriter, r *http.Request) {
	if h.Live == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed disabled")
		return
	}
	h.Live.ServeWS(w, r, auth.UserID(r.Context()))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (h *Handler) validator() *validator.Validate {
	if h.validate == nil {
		h.validate = validator.New()
	}
	return h.validate
}

func (h *Handler) meetupResponse(m *models.Meetup, userID string) meetupResponse {
	resp := meetupResponse{
		ID:            m.ID,
		ListingID:     m.ListingID,
		BuyerID:       m.BuyerID,
		SellerID:      m.SellerID,
		ScheduledTime: m.ScheduledTime.Format(time.RFC3339),
		Location:      m.Location,
		Notes:         m.Notes,
		Status:        string(m.Status),
		PaymentStatus: string(m.PaymentStatus),
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     m.UpdatedAt.Format(time.RFC3339),
		Actions:       []string{},
	}
	if m.PaymentAmount != nil {
		resp.PaymentAmount = m.PaymentAmount.StringFixed(2)
	}
	if m.PaymentRequestedAt != nil {
		resp.PaymentRequestedAt = m.PaymentRequestedAt.Format(time.RFC3339)
	}
	if m.PaymentPaidAt != nil {
		resp.PaymentPaidAt = m.PaymentPaidAt.Format(time.RFC3339)
	}
	for _, a := range h.Meetups.Allowed(m, userID) {
		resp.Actions = append(resp.Actions, string(a))
	}
	return resp
}
