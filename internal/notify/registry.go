package notify

import (
	"context"
	"errors"
	"strings"
)

var ErrMissingToken = errors.New("missing push token")

type TokenWriter interface {
	UpsertFCMToken(ctx context.Context, userID, token string, deviceInfo *string) error
}

// Registry records push tokens. Registering the same token twice for a
// user refreshes its device info instead of adding a row.
type Registry struct {
	Tokens TokenWriter
}

func (r Registry) Register(ctx context.Context, userID, token string, deviceInfo *string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	if deviceInfo != nil && strings.TrimSpace(*deviceInfo) == "" {
		deviceInfo = nil
	}
	return r.Tokens.UpsertFCMToken(ctx, userID, token, deviceInfo)
}
