// Package inbound provisions per-community inbound email addresses and turns
// received mail into community posts.
package inbound

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/plaza-social/plaza/internal/app/services/social"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/httputil"
	"github.com/plaza-social/plaza/internal/logging"
)

var (
	ErrUnauthorized   = errors.New("invalid inbound secret")
	ErrUnavailable    = errors.New("inbound email is not configured")
	ErrInvalidPayload = errors.New("malformed inbound payload")
)

// Provider provisions addresses at the inbound mail service.
type Provider interface {
	CreateAddress(ctx context.Context, address, webhookURL string) (string, error)
	DeleteAddress(ctx context.Context, id string) error
}

// Store is the persistence the service needs.
type Store interface {
	database.InboundRepository
	GetCommunity(ctx context.Context, id string) (*database.Community, error)
	GetProfileByEmail(ctx context.Context, email string) (*database.Profile, error)
}

// Communities authorizes community actions and publishes posts.
type Communities interface {
	Authorize(ctx context.Context, communityID, userID, action string) error
	CreateCommunityPost(ctx context.Context, authorID, communityID, body, source string) (*database.Post, error)
}

// Config configures address generation and the webhook target.
type Config struct {
	Domain     string
	Secret     string
	WebhookURL string
}

// Service implements inbound provisioning and delivery.
type Service struct {
	store       Store
	provider    Provider
	communities Communities
	cfg         Config
	log         *logging.Logger
}

// New creates the service. provider may be nil; provisioning then fails with
// ErrUnavailable.
func New(store Store, provider Provider, communities Communities, cfg Config, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{store: store, provider: provider, communities: communities, cfg: cfg, log: log}
}

func (s *Service) Name() string { return "inbound" }

// Provision returns the community's inbound address, creating it on first
// use. Only the owner may provision.
func (s *Service) Provision(ctx context.Context, actorID, communityID string) (*database.InboundAddress, error) {
	if s.provider == nil || s.cfg.Domain == "" {
		return nil, ErrUnavailable
	}
	if err := s.communities.Authorize(ctx, communityID, actorID, social.ActionManage); err != nil {
		return nil, err
	}
	if existing, err := s.store.GetInboundAddressByCommunity(ctx, communityID); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	c, err := s.store.GetCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}
	address := c.Slug + "@" + s.cfg.Domain
	providerID, err := s.provider.CreateAddress(ctx, address, s.cfg.WebhookURL)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.InsertInboundAddress(ctx, &database.InboundAddress{
		CommunityID: communityID,
		Address:     address,
		ProviderID:  providerID,
	})
	if err != nil {
		if derr := s.provider.DeleteAddress(context.WithoutCancel(ctx), providerID); derr != nil {
			s.log.WithContext(ctx).WithError(derr).Warn("failed to remove unrecorded inbound address")
		}
		return nil, fmt.Errorf("record inbound address: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"community_id": communityID,
		"address":      address,
	}).Info("inbound address provisioned")
	return rec, nil
}

// Deprovision removes the community's inbound address.
func (s *Service) Deprovision(ctx context.Context, actorID, communityID string) error {
	if s.provider == nil {
		return ErrUnavailable
	}
	if err := s.communities.Authorize(ctx, communityID, actorID, social.ActionManage); err != nil {
		return err
	}
	rec, err := s.store.GetInboundAddressByCommunity(ctx, communityID)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteAddress(ctx, rec.ProviderID); err != nil {
		var status *httputil.StatusError
		if !errors.As(err, &status) || status.StatusCode != 404 {
			return err
		}
	}
	return s.store.DeleteInboundAddress(ctx, rec.ID)
}

// Message is a parsed inbound email.
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
}

// ParseMessage extracts the fields Plaza uses from a provider payload.
// Addresses may be plain strings, "Name <addr>" strings or {"address": ...}
// objects; "to" may be a single value or a list.
func ParseMessage(payload []byte) (*Message, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}
	root := gjson.ParseBytes(payload)
	if email := root.Get("email"); email.IsObject() {
		root = email
	}

	msg := &Message{
		From:    address(root.Get("from")),
		Subject: strings.TrimSpace(root.Get("subject").String()),
		Text:    root.Get("text").String(),
	}
	to := root.Get("to")
	if to.IsArray() {
		to.ForEach(func(_, v gjson.Result) bool {
			if a := address(v); a != "" {
				msg.To = append(msg.To, a)
			}
			return true
		})
	} else if a := address(to); a != "" {
		msg.To = append(msg.To, a)
	}
	if msg.From == "" || len(msg.To) == 0 {
		return nil, ErrInvalidPayload
	}
	return msg, nil
}

func address(v gjson.Result) string {
	raw := v.String()
	if v.IsObject() {
		raw = v.Get("address").String()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(raw)
}

// HandleInbound posts a received email to the community that owns the
// recipient address. Mail for unknown addresses or from non-members is
// dropped and returns a nil post.
func (s *Service) HandleInbound(ctx context.Context, secret string, payload []byte) (*database.Post, error) {
	if s.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) != 1 {
		return nil, ErrUnauthorized
	}
	msg, err := ParseMessage(payload)
	if err != nil {
		return nil, err
	}
	log := s.log.WithContext(ctx).WithField("from", msg.From)

	var rec *database.InboundAddress
	for _, to := range msg.To {
		rec, err = s.store.GetInboundAddress(ctx, to)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	if rec == nil {
		log.Debug("inbound mail for unknown address")
		return nil, nil
	}

	sender, err := s.store.GetProfileByEmail(ctx, msg.From)
	if errors.Is(err, database.ErrNotFound) {
		log.Info("inbound mail from unknown sender dropped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	body := composeBody(msg)
	post, err := s.communities.CreateCommunityPost(ctx, sender.ID, rec.CommunityID, body, social.SourceEmail)
	if errors.Is(err, social.ErrNotMember) || errors.Is(err, social.ErrForbidden) {
		log.WithField("community_id", rec.CommunityID).Info("inbound mail from non-member dropped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.WithField("post_id", post.ID).Info("inbound mail posted")
	return post, nil
}

func composeBody(msg *Message) string {
	text := strings.ReplaceAll(msg.Text, "\r\n", "\n")
	if i := strings.Index(text, "\n-- \n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if msg.Subject == "" {
		return text
	}
	if text == "" {
		return msg.Subject
	}
	return msg.Subject + "\n\n" + text
}

// APIProvider provisions addresses through the inbound mail service's REST
// API.
type APIProvider struct {
	api *httputil.APIClient
}

// NewAPIProvider creates a provider client.
func NewAPIProvider(baseURL, apiKey string) *APIProvider {
	return &APIProvider{api: httputil.NewAPIClient(httputil.APIClientConfig{
		BaseURL:   baseURL,
		Timeout:   15 * time.Second,
		Authorize: httputil.BearerAuth(apiKey),
	})}
}

type createAddressRequest struct {
	Address    string `json:"address"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type createAddressResponse struct {
	ID string `json:"id"`
}

func (p *APIProvider) CreateAddress(ctx context.Context, address, webhookURL string) (string, error) {
	var resp createAddressResponse
	if err := p.api.Post(ctx, "/email-addresses", createAddressRequest{Address: address, WebhookURL: webhookURL}, &resp); err != nil {
		return "", fmt.Errorf("create inbound address: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create inbound address: empty id")
	}
	return resp.ID, nil
}

func (p *APIProvider) DeleteAddress(ctx context.Context, id string) error {
	if err := p.api.Delete(ctx, "/email-addresses/"+id); err != nil {
		return fmt.Errorf("delete inbound address: %w", err)
	}
	return nil
}
