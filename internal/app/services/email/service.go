package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template names.
const (
	TemplateNotification  = "notification"
	TemplateTopUpReviewed = "topup_reviewed"
	TemplateTopUpDue      = "topup_due"
)

var ErrNotConfigured = errors.New("email is not configured")

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template)
	for _, name := range []string{TemplateNotification, TemplateTopUpReviewed, TemplateTopUpDue} {
		out[name] = template.Must(template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
	}
	return out
}()

type templateData struct {
	Subject        string
	Name           string
	Title          string
	Body           string
	LinkURL        string
	LinkLabel      string
	UnsubscribeURL string

	Approved bool
	Points   string
	Balance  string
	Note     string
	DueAt    string
}

// Store is the persistence the service needs.
type Store interface {
	GetPreferences(ctx context.Context, userID string) (*database.NotificationPreferences, error)
	SavePreferences(ctx context.Context, p *database.NotificationPreferences) error
}

// Config configures sender identity and link building.
type Config struct {
	From      string
	PublicURL string
}

// Service renders and sends transactional email.
type Service struct {
	provider Provider
	signer   *Signer
	store    Store
	cfg      Config
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// New creates the service. provider and signer may be nil; sending then
// fails with ErrNotConfigured and messages go out without unsubscribe links.
func New(provider Provider, signer *Signer, store Store, cfg Config, m *metrics.Metrics, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	return &Service{provider: provider, signer: signer, store: store, cfg: cfg, metrics: m, log: log}
}

func (s *Service) Name() string { return "email" }

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool { return s.provider != nil }

// SendNotification emails n to the profile, choosing the template by the
// notification kind.
func (s *Service) SendNotification(ctx context.Context, to database.Profile, n database.Notification) error {
	if s.provider == nil {
		return ErrNotConfigured
	}
	if to.Email == "" {
		return fmt.Errorf("profile %s has no email address", to.ID)
	}

	name, data := s.buildData(to, n)
	var html bytes.Buffer
	if err := templates[name].ExecuteTemplate(&html, "layout", data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}

	msg := Message{
		From:    s.cfg.From,
		To:      []string{to.Email},
		Subject: data.Subject,
		HTML:    html.String(),
		Text:    plainText(data),
		Tags:    []Tag{{Name: "kind", Value: n.Kind}},
	}
	if data.UnsubscribeURL != "" {
		msg.Headers = map[string]string{
			"List-Unsubscribe":      "<" + data.UnsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	id, err := s.provider.Send(ctx, msg)
	s.metrics.RecordEmail(name, err == nil)
	if err != nil {
		return err
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"template":   name,
		"message_id": id,
		"to_user":    to.ID,
	}).Debug("email sent")
	return nil
}

func (s *Service) buildData(to database.Profile, n database.Notification) (string, templateData) {
	data := templateData{
		Subject:   n.Title,
		Name:      firstNonEmpty(to.DisplayName, to.Username),
		Title:     n.Title,
		Body:      n.Body,
		LinkLabel: "Open Plaza",
	}
	if n.Link != "" {
		data.LinkURL = s.absolute(n.Link)
	}
	if s.signer != nil && s.cfg.PublicURL != "" {
		data.UnsubscribeURL = s.cfg.PublicURL + "/api/email/unsubscribe?token=" + url.QueryEscape(s.signer.Token(to.ID))
	}

	switch n.Kind {
	case database.NotifyTopUp:
		data.Approved, _ = n.Data["approved"].(bool)
		data.Points = number(n.Data["points"])
		data.Balance = number(n.Data["balance"])
		data.Note = str(n.Data["note"])
		data.DueAt = date(n.Data["due_at"])
		data.LinkLabel = "View wallet"
		return TemplateTopUpReviewed, data
	case database.NotifyTopUpDue:
		data.Balance = number(n.Data["balance"])
		data.DueAt = date(n.Data["due_at"])
		data.LinkLabel = "Top up"
		return TemplateTopUpDue, data
	default:
		return TemplateNotification, data
	}
}

// Unsubscribe turns email off for the token's user and returns the user ID.
func (s *Service) Unsubscribe(ctx context.Context, token string) (string, error) {
	if s.signer == nil {
		return "", ErrNotConfigured
	}
	userID, err := s.signer.Verify(token)
	if err != nil {
		return "", err
	}
	prefs, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}
	if !prefs.EmailEnabled {
		return userID, nil
	}
	prefs.EmailEnabled = false
	if err := s.store.SavePreferences(ctx, prefs); err != nil {
		return "", fmt.Errorf("save preferences: %w", err)
	}
	s.log.WithContext(ctx).WithField("user_id", userID).Info("email unsubscribed")
	return userID, nil
}

func (s *Service) absolute(link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return s.cfg.PublicURL + "/" + strings.TrimPrefix(link, "/")
}

func plainText(d templateData) string {
	var b strings.Builder
	if d.Name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", d.Name)
	}
	b.WriteString(d.Title)
	b.WriteString("\n")
	if d.Body != "" {
		b.WriteString("\n" + d.Body + "\n")
	}
	if d.Note != "" {
		b.WriteString("\n" + d.Note + "\n")
	}
	if d.LinkURL != "" {
		b.WriteString("\n" + d.LinkURL + "\n")
	}
	if d.UnsubscribeURL != "" {
		b.WriteString("\nUnsubscribe: " + d.UnsubscribeURL + "\n")
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// number formats integer-valued data, which arrives as int64 in process and
// as float64 after a JSON round trip.
func number(v any) string {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	}
	return ""
}

func date(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format("January 2, 2006")
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.Format("January 2, 2006")
		}
		return t
	}
	return ""
}
