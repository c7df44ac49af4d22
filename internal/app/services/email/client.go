// Package email sends transactional email through a Resend-compatible
// provider and manages signed unsubscribe links.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/plaza-social/plaza/internal/httputil"
)

// Message is one outgoing email in the provider's wire format.
type Message struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []Tag             `json:"tags,omitempty"`
}

// Tag labels a message for provider-side analytics.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Provider sends a message and returns the provider's message ID.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ResendClient talks to the Resend HTTP API.
type ResendClient struct {
	api *httputil.APIClient
}

// NewResendClient creates a client. httpClient may be nil.
func NewResendClient(baseURL, apiKey string, httpClient *http.Client) *ResendClient {
	return &ResendClient{api: httputil.NewAPIClient(httputil.APIClientConfig{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Authorize:  httputil.BearerAuth(apiKey),
	})}
}

func (c *ResendClient) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", errors.New("email: no recipients")
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.api.Post(ctx, "/emails", msg, &out); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return out.ID, nil
}
