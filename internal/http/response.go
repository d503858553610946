package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"Nexlify/internal/auth"
	"Nexlify/internal/meetups"
	"Nexlify/internal/notify"
	"Nexlify/internal/payments"
	"Nexlify/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto status codes. Anything not
// recognised is logged and reported as a generic failure.
func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrMissingUserID),
		errors.Is(err, notify.ErrMissingUserID),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, services.ErrNotParticipant),
		errors.Is(err, meetups.ErrForbiddenRole),
		errors.Is(err, services.ErrOwnListing):
		return http.StatusForbidden, rootMessage(err)
	case errors.Is(err, services.ErrMeetupNotFound),
		errors.Is(err, services.ErrListingNotFound),
		errors.Is(err, services.ErrProfileNotFound):
		return http.StatusNotFound, rootMessage(err)
	case errors.Is(err, services.ErrDuplicateMeetup),
		errors.Is(err, services.ErrConflict),
		errors.Is(err, meetups.ErrInvalidTransition),
		errors.Is(err, meetups.ErrTooEarly):
		return http.StatusConflict, rootMessage(err)
	case errors.Is(err, services.ErrListingUnavailable),
		errors.Is(err, payments.ErrNoUPIID):
		return http.StatusUnprocessableEntity, rootMessage(err)
	case errors.Is(err, notify.ErrPushDisabled):
		return http.StatusServiceUnavailable, rootMessage(err)
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, notify.ErrMissingToken),
		errors.Is(err, meetups.ErrUnknownAction),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrInvalidQRCSize):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// rootMessage returns the sentinel text without wrapped detail.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
