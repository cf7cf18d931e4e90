// Package whatsapp wraps the Meta Graph API for WhatsApp Cloud messaging.
//
// It provides free-text and template sends, the message-template catalog
// lookup used by the messaging policy resolver, and helpers for phone and
// locale normalization.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// Constants for WhatsApp client configuration
const (
	// DefaultAPIVersion is the Graph API version used when none is configured.
	DefaultAPIVersion = "v20.0"
	// DefaultBaseURL is the Graph API endpoint root.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultRequestTimeout bounds every Graph API call.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultTemplateLanguage is assumed when a step names no locale.
	DefaultTemplateLanguage = "en"
	// wabaCacheTTL is how long a resolved business-account id stays cached.
	wabaCacheTTL = 10 * time.Minute
	// templatePageLimit caps a catalog fetch.
	templatePageLimit = 200
)

var digitsOnly = regexp.MustCompile(`\D`)

// SendResult carries the channel's raw response for a send attempt.
type SendResult struct {
	StatusCode int
	Body       string
}

// OK reports whether the send was accepted by the channel.
func (r SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	Token       string
	PhoneID     string
	WABAID      string
	APIVersion  string
	BaseURL     string
	CountryCode string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithToken sets the Graph API bearer token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPhoneID sets the sending phone number id.
func WithPhoneID(id string) Option {
	return func(o *Opts) { o.PhoneID = id }
}

// WithWABAID pins the WhatsApp business account id, skipping remote resolution.
func WithWABAID(id string) Option {
	return func(o *Opts) { o.WABAID = id }
}

// WithAPIVersion overrides the Graph API version.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API endpoint root (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCountryCode sets the default country code prepended to 10-digit numbers.
func WithCountryCode(cc string) Option {
	return func(o *Opts) { o.CountryCode = cc }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the WhatsApp Cloud API for one sending phone number.
type Client struct {
	token       string
	phoneID     string
	apiVersion  string
	baseURL     string
	countryCode string
	httpClient  *http.Client

	mu            sync.Mutex
	wabaID        string
	wabaCheckedAt time.Time
}

// NewClient creates a new WhatsApp Cloud client, applying any provided
// options. Token and phone id fall back to the WHATSAPP_TOKEN and
// WHATSAPP_PHONE_ID environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_TOKEN")
	}
	if cfg.PhoneID == "" {
		cfg.PhoneID = os.Getenv("WHATSAPP_PHONE_ID")
	}
	if cfg.WABAID == "" {
		cfg.WABAID = os.Getenv("WHATSAPP_WABA_ID")
	}
	slog.Debug("WhatsApp NewClient options set",
		"token_set", cfg.Token != "", "phone_id_set", cfg.PhoneID != "", "waba_id_set", cfg.WABAID != "")

	if cfg.Token == "" || cfg.PhoneID == "" {
		return nil, fmt.Errorf("whatsapp credentials missing: token and phone id are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = os.Getenv("DEFAULT_COUNTRY_CODE")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	return &Client{
		token:       cfg.Token,
		phoneID:     cfg.PhoneID,
		wabaID:      cfg.WABAID,
		apiVersion:  cfg.APIVersion,
		baseURL:     cfg.BaseURL,
		countryCode: cfg.CountryCode,
		httpClient:  cfg.HTTPClient,
	}, nil
}

// SendText sends a free-form text message. Free text is only deliverable
// inside the 24h session window; the caller is responsible for consulting
// the policy resolver first.
func (c *Client) SendText(ctx context.Context, to, body string) (SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                c.normalize(to),
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	return c.postMessage(ctx, payload)
}

// SendTemplate sends a pre-approved template in the given locale with
// positional body parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, lang string, params []string) (SendResult, error) {
	var components []map[string]interface{}
	if len(params) > 0 {
		body := make([]map[string]string, 0, len(params))
		for _, p := range params {
			body = append(body, map[string]string{"type": "text", "text": p})
		}
		components = append(components, map[string]interface{}{"type": "body", "parameters": body})
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                c.normalize(to),
		"type":              "template",
		"template": map[string]interface{}{
			"name":       name,
			"language":   map[string]string{"code": NormalizeLang(lang)},
			"components": components,
		},
	}
	return c.postMessage(ctx, payload)
}

func (c *Client) postMessage(ctx context.Context, payload map[string]interface{}) (SendResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal message payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create message request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp send failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	result := SendResult{StatusCode: resp.StatusCode, Body: string(body)}
	if !result.OK() {
		slog.Error("WhatsApp send rejected", "status", resp.StatusCode, "body", result.Body)
	} else {
		slog.Debug("WhatsApp send accepted", "status", resp.StatusCode)
	}
	return result, nil
}

// ListTemplates fetches the template catalog for the sender's business
// account: every registered (name, language, status) locale variant.
func (c *Client) ListTemplates(ctx context.Context) ([]models.WaTemplate, error) {
	wabaID, err := c.resolveWABAID(ctx)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s/%s/message_templates?fields=name,language,status&limit=%d",
		c.baseURL, c.apiVersion, wabaID, templatePageLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create template catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("template catalog fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("Template catalog fetch rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("template catalog fetch returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []models.WaTemplate `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode template catalog: %w", err)
	}
	slog.Debug("Template catalog fetched", "count", len(parsed.Data))
	return parsed.Data, nil
}

// resolveWABAID resolves the business account id behind the sending phone
// number, caching the answer briefly since it calls a remote collaborator.
func (c *Client) resolveWABAID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wabaID != "" && (c.wabaCheckedAt.IsZero() || time.Since(c.wabaCheckedAt) < wabaCacheTTL) {
		return c.wabaID, nil
	}

	url := fmt.Sprintf("%s/%s/%s?fields=whatsapp_business_account{id}", c.baseURL, c.apiVersion, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create account resolution request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("account resolution failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("account resolution returned status %d", resp.StatusCode)
	}

	var parsed struct {
		BusinessAccount struct {
			ID string `json:"id"`
		} `json:"whatsapp_business_account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode account resolution response: %w", err)
	}
	if parsed.BusinessAccount.ID == "" {
		return "", fmt.Errorf("no business account id on phone %s", c.phoneID)
	}
	c.wabaID = parsed.BusinessAccount.ID
	c.wabaCheckedAt = time.Now()
	slog.Info("Resolved WhatsApp business account", "waba_id", c.wabaID)
	return c.wabaID, nil
}

func (c *Client) normalize(to string) string {
	return Digits(to, c.countryCode)
}

// Digits strips a phone number to digits, prepending the default country
// code to bare 10-digit national numbers.
func Digits(s, countryCode string) string {
	d := digitsOnly.ReplaceAllString(s, "")
	if countryCode == "" {
		countryCode = "1"
	}
	if len(d) == 10 && isDigits(countryCode) {
		d = countryCode + d
	}
	return d
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeLang canonicalizes a locale code into Graph API form:
// lower-case language, upper-case region, underscore separated
// ("en-us" -> "en_US", "EN" -> "en").
func NormalizeLang(code string) string {
	if code == "" {
		code = DefaultTemplateLanguage
	}
	c := strings.TrimSpace(strings.ReplaceAll(code, "-", "_"))
	parts := strings.Split(c, "_")
	if len(parts) == 1 {
		return strings.ToLower(parts[0])
	}
	if parts[0] != "" && parts[1] != "" {
		return strings.ToLower(parts[0]) + "_" + strings.ToUpper(parts[1])
	}
	return strings.ToLower(c)
}

// PrimaryLang returns the primary language subtag of a locale code
// ("en_US" -> "en").
func PrimaryLang(code string) string {
	if code == "" {
		return ""
	}
	return strings.ToLower(strings.SplitN(strings.ReplaceAll(code, "-", "_"), "_", 2)[0])
}
