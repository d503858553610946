package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender sends data-only multicast messages through Firebase Cloud
// Messaging.
type FCMSender struct {
	Client *messaging.Client
}

// NewFCMSender builds a messaging client. An empty credentials file falls
// back to application default credentials.
func NewFCMSender(ctx context.Context, projectID, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMSender{Client: client}, nil
}

func (s *FCMSender) SendMulticast(ctx context.Context, tokens []string, data map[string]string) ([]SendResult, error) {
	br, err := s.Client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:  tokens,
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return nil, err
	}

	results := make([]SendResult, len(br.Responses))
	for i, r := range br.Responses {
		results[i].Token = tokens[i]
		if r.Success {
			continue
		}
		results[i].Err = r.Error
		results[i].Unregistered = messaging.IsUnregistered(r.Error)
	}
	return results, nil
}

var ErrPushDisabled = errors.New("push notifications are not configured")

// DisabledSender stands in when no Firebase project is configured.
type DisabledSender struct{}

func (DisabledSender) SendMulticast(context.Context, []string, map[string]string) ([]SendResult, error) {
	return nil, ErrPushDisabled
}
