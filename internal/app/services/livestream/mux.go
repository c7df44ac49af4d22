package livestream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/plaza-social/plaza/internal/httputil"
)

// LiveStream is a provisioned ingest endpoint.
type LiveStream struct {
	ID         string
	StreamKey  string
	PlaybackID string
}

// Provider manages live streams at the video provider.
type Provider interface {
	CreateLiveStream(ctx context.Context) (*LiveStream, error)
	DisableLiveStream(ctx context.Context, id string) error
	DeleteLiveStream(ctx context.Context, id string) error
}

// MuxClient talks to the Mux video API.
type MuxClient struct {
	api *httputil.APIClient
}

// NewMuxClient creates a client authenticated with an access token pair.
func NewMuxClient(baseURL, tokenID, tokenSecret string) *MuxClient {
	return &MuxClient{api: httputil.NewAPIClient(httputil.APIClientConfig{
		BaseURL:   baseURL,
		Timeout:   15 * time.Second,
		Authorize: httputil.BasicAuth(tokenID, tokenSecret),
	})}
}

type muxCreateRequest struct {
	PlaybackPolicy   []string         `json:"playback_policy"`
	NewAssetSettings muxAssetSettings `json:"new_asset_settings"`
	LatencyMode      string           `json:"latency_mode,omitempty"`
}

type muxAssetSettings struct {
	PlaybackPolicy []string `json:"playback_policy"`
}

type muxLiveStreamResponse struct {
	Data struct {
		ID          string `json:"id"`
		StreamKey   string `json:"stream_key"`
		PlaybackIDs []struct {
			ID     string `json:"id"`
			Policy string `json:"policy"`
		} `json:"playback_ids"`
	} `json:"data"`
}

func (c *MuxClient) CreateLiveStream(ctx context.Context) (*LiveStream, error) {
	var resp muxLiveStreamResponse
	err := c.api.Post(ctx, "/video/v1/live-streams", muxCreateRequest{
		PlaybackPolicy:   []string{"public"},
		NewAssetSettings: muxAssetSettings{PlaybackPolicy: []string{"public"}},
		LatencyMode:      "low",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create live stream: %w", err)
	}
	if resp.Data.ID == "" {
		return nil, errors.New("create live stream: empty response")
	}
	ls := &LiveStream{ID: resp.Data.ID, StreamKey: resp.Data.StreamKey}
	if len(resp.Data.PlaybackIDs) > 0 {
		ls.PlaybackID = resp.Data.PlaybackIDs[0].ID
	}
	return ls, nil
}

func (c *MuxClient) DisableLiveStream(ctx context.Context, id string) error {
	if err := c.api.Put(ctx, "/video/v1/live-streams/"+id+"/disable", nil, nil); err != nil {
		return fmt.Errorf("disable live stream %s: %w", id, err)
	}
	return nil
}

func (c *MuxClient) DeleteLiveStream(ctx context.Context, id string) error {
	if err := c.api.Delete(ctx, "/video/v1/live-streams/"+id); err != nil {
		return fmt.Errorf("delete live stream %s: %w", id, err)
	}
	return nil
}

// SignatureTolerance bounds the age of a webhook signature timestamp.
const SignatureTolerance = 5 * time.Minute

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks a "t=<unix>,v1=<hex>" header over "<t>.<body>".
func VerifySignature(secret, header string, body []byte, now time.Time) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := Sign(secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>".
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
