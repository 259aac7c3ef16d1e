package httpsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/harrisyn/LabAnalyzer/config"
	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/store"
)

// Payload is the outbound JSON contract: any 2xx response commits every row
// in the batch as synced
type Payload struct {
	InstanceID string            `json:"instance_id"`
	BatchID    string            `json:"batch_id"`
	SentAt     time.Time         `json:"sent_at"`
	Batch      []store.BatchItem `json:"batch"`
}

// Sender posts batches to the external endpoint
type Sender struct {
	client   *resty.Client
	auth     AuthProvider
	url      string
	instance string
}

// NewSender builds a sender from the external server config
func NewSender(cfg config.ExternalServerConfig, instance string) (*Sender, error) {
	client := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	auth, err := NewAuthProvider(cfg.Auth, client)
	if err != nil {
		return nil, err
	}

	return &Sender{
		client:   client,
		auth:     auth,
		url:      cfg.URL,
		instance: instance,
	}, nil
}

// Send posts one batch. The error classifies the outcome: nil on 2xx,
// ErrBatchPoisoned on a permanent 4xx, a transient error otherwise.
func (s *Sender) Send(ctx context.Context, batch []store.BatchItem) error {
	payload := Payload{
		InstanceID: s.instance,
		BatchID:    uuid.NewString(),
		SentAt:     time.Now().UTC(),
		Batch:      batch,
	}

	resp, err := s.post(ctx, payload)
	if err != nil {
		return errors.WrapTransient(err, "httpsync", "Send", "http transport")
	}

	if resp.StatusCode() == http.StatusUnauthorized && s.auth.HandleUnauthorized() {
		resp, err = s.post(ctx, payload)
		if err != nil {
			return errors.WrapTransient(err, "httpsync", "Send", "http transport after token refresh")
		}
	}

	return classifyStatus(resp.StatusCode())
}

func (s *Sender) post(ctx context.Context, payload Payload) (*resty.Response, error) {
	req := s.client.R().
		SetContext(ctx).
		SetBody(payload)
	if err := s.auth.Apply(req); err != nil {
		return nil, err
	}
	return req.Post(s.url)
}

// classifyStatus maps an HTTP status to the sync outcome contract
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return errors.WrapTransient(
			fmt.Errorf("HTTP %d: %w", status, errors.ErrEndpointStatus),
			"httpsync", "Send", "retryable status")
	case status >= 400 && status < 500:
		return errors.Wrap(errors.ErrBatchPoisoned, "httpsync", "Send",
			fmt.Sprintf("HTTP %d", status))
	default:
		return errors.WrapTransient(
			fmt.Errorf("HTTP %d: %w", status, errors.ErrEndpointStatus),
			"httpsync", "Send", "server error")
	}
}

// IsPoison reports whether a send error marks the batch permanently rejected
func IsPoison(err error) bool {
	return errors.Is(err, errors.ErrBatchPoisoned)
}
