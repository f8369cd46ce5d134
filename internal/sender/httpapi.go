package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relaypoint/bulkmail/internal/pkg/httpretry"
)

// HTTPAPISender delivers through a generic JSON send endpoint, the shape most
// relay vendors expose: POST a message object, get a message id back.
// Transient statuses are retried inside the request by httpretry before the
// scheduler-level retry machinery ever sees a failure.
type HTTPAPISender struct {
	client   httpretry.Doer
	endpoint string
	apiKey   string
}

// NewHTTPAPI builds an HTTP sender. A nil client gets a default retrying
// client.
func NewHTTPAPI(client httpretry.Doer, endpoint, apiKey string) *HTTPAPISender {
	if client == nil {
		client = httpretry.New(nil, 3)
	}
	return &HTTPAPISender{client: client, endpoint: endpoint, apiKey: apiKey}
}

type httpSendRequest struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	TrackingID string `json:"tracking_id,omitempty"`
}

type httpSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send posts the message and interprets the response status: 2xx accepted,
// 4xx permanent (the request will never be accepted as-is), everything else
// transient.
func (s *HTTPAPISender) Send(ctx context.Context, msg Message) (*Result, error) {
	payload, err := json.Marshal(httpSendRequest{
		To:         msg.To,
		From:       msg.From,
		Subject:    msg.Subject,
		HTML:       msg.Body,
		TrackingID: msg.TrackingID,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode send request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build send request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var decoded httpSendResponse
	json.Unmarshal(body, &decoded)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{ProviderMessageID: decoded.MessageID}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider throttled: %s", summarize(decoded, resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, Permanent(fmt.Errorf("provider rejected message: %s", summarize(decoded, resp.StatusCode)))
	default:
		return nil, fmt.Errorf("provider error: %s", summarize(decoded, resp.StatusCode))
	}
}

func summarize(r httpSendResponse, status int) string {
	if r.Error != "" {
		return fmt.Sprintf("status %d: %s", status, r.Error)
	}
	return fmt.Sprintf("status %d", status)
}
