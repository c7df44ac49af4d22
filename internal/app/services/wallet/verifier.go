package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/httputil"
)

// ReceiptVerifier checks a top-up's proof of payment with an external party.
type ReceiptVerifier interface {
	Verify(ctx context.Context, t database.TopUp) (bool, error)
}

// HTTPVerifier posts the top-up to a verification endpoint and reads the
// verdict from the JSON response with a JSONPath expression.
type HTTPVerifier struct {
	client *httputil.APIClient
	path   string
}

type verifyRequest struct {
	TopUpID     string `json:"topup_id"`
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	ReceiptPath string `json:"receipt_path"`
}

// NewHTTPVerifier creates a verifier. path defaults to "$.verified".
func NewHTTPVerifier(baseURL, apiKey, path string) *HTTPVerifier {
	if path == "" {
		path = "$.verified"
	}
	return &HTTPVerifier{
		client: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:   baseURL,
			Timeout:   10 * time.Second,
			Authorize: httputil.BearerAuth(apiKey),
		}),
		path: path,
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, t database.TopUp) (bool, error) {
	var resp interface{}
	err := v.client.Post(ctx, "", verifyRequest{
		TopUpID:     t.ID,
		UserID:      t.UserID,
		AmountMinor: t.AmountMinor,
		Currency:    t.Currency,
		Reference:   t.Reference,
		ReceiptPath: t.ReceiptPath,
	}, &resp)
	if err != nil {
		return false, fmt.Errorf("receipt verifier: %w", err)
	}

	value, err := jsonpath.Get(v.path, resp)
	if err != nil {
		return false, fmt.Errorf("receipt verifier: read %s: %w", v.path, err)
	}
	switch verdict := value.(type) {
	case bool:
		return verdict, nil
	case string:
		return verdict == "verified" || verdict == "approved" || verdict == "true", nil
	default:
		return false, fmt.Errorf("receipt verifier: unexpected verdict %v", value)
	}
}
