// Package notify delivers push notifications to every device a user has
// registered and prunes tokens the provider no longer recognises.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxMulticastTokens is the provider's limit per multicast request.
const MaxMulticastTokens = 500

var ErrMissingUserID = errors.New("missing user id")

type Notification struct {
	Title string
	Body  string
	Image string
	Data  map[string]string
}

// Payload flattens the notification into a data-only message. Title, body
// and image take precedence over data keys of the same name.
func (n Notification) Payload() map[string]string {
	out := make(map[string]string, len(n.Data)+3)
	for k, v := range n.Data {
		out[k] = v
	}
	out["title"] = n.Title
	out["body"] = n.Body
	if n.Image != "" {
		out["image"] = n.Image
	}
	return out
}

type TokenStore interface {
	ListFCMTokens(ctx context.Context, userID string) ([]string, error)
	DeleteFCMToken(ctx context.Context, userID, token string) error
}

// SendResult is the provider outcome for one token.
type SendResult struct {
	Token        string
	Err          error
	Unregistered bool
}

type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, data map[string]string) ([]SendResult, error)
}

// Report summarises one SendToUser call.
type Report struct {
	Tokens    int `json:"tokens"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pruned    int `json:"pruned"`
}

type Dispatcher struct {
	Tokens    TokenStore
	Sender    Sender
	BatchSize int
}

var tracer = otel.Tracer("Nexlify/internal/notify")

// SendToUser fans n out to all of userID's tokens. Per-token failures are
// counted in the report. An error is returned only when no multicast
// batch went through, so a retry never re-pushes to devices that already
// got the message.
func (d Dispatcher) SendToUser(ctx context.Context, userID string, n Notification) (rep Report, err error) {
	ctx, span := tracer.Start(ctx, "notify.SendToUser", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("tokens", rep.Tokens),
			attribute.Int("delivered", rep.Delivered),
			attribute.Int("pruned", rep.Pruned),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if userID == "" {
		return rep, ErrMissingUserID
	}
	tokens, err := d.Tokens.ListFCMTokens(ctx, userID)
	if err != nil {
		return rep, fmt.Errorf("load tokens: %w", err)
	}
	rep.Tokens = len(tokens)
	if len(tokens) == 0 {
		return rep, nil
	}

	payload := n.Payload()
	size := d.BatchSize
	if size <= 0 || size > MaxMulticastTokens {
		size = MaxMulticastTokens
	}

	var sendErr error
	sent := 0
	for start := 0; start < len(tokens); start += size {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		results, err := d.Sender.SendMulticast(ctx, tokens[start:end], payload)
		if err != nil {
			log.Printf("multicast to user %s tokens %d-%d failed: %v", userID, start, end, err)
			rep.Failed += end - start
			if sendErr == nil {
				sendErr = err
			}
			continue
		}
		sent++
		for _, res := range results {
			if res.Err == nil {
				rep.Delivered++
				continue
			}
			rep.Failed++
			if !res.Unregistered {
				log.Printf("push to user %s token %s failed: %v", userID, shortToken(res.Token), res.Err)
				continue
			}
			if err := d.Tokens.DeleteFCMToken(ctx, userID, res.Token); err != nil {
				log.Printf("prune token %s for user %s failed: %v", shortToken(res.Token), userID, err)
				continue
			}
			rep.Pruned++
		}
	}

	if sent == 0 && sendErr != nil {
		return rep, fmt.Errorf("multicast send: %w", sendErr)
	}
	log.Printf("push to user %s: %d/%d delivered, %d pruned", userID, rep.Delivered, rep.Tokens, rep.Pruned)
	return rep, nil
}

func shortToken(t string) string {
	if len(t) <= 12 {
		return t
	}
	return t[:12] + "..."
}
