package gardena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gardend/internal/device"
	logx "gardend/pkg/logx"
)

const (
	DefaultAuthURL = "https://api.authentication.husqvarnagroup.dev/v1/oauth2/token"
	DefaultBaseURL = "https://api.smart.gardena.dev/v1"

	contentType = "application/vnd.api+json"
	tokenSkew   = 60 * time.Second
	maxBody     = 8 << 20
)

// Config configures the cloud client. Zero values take defaults.
type Config struct {
	AuthURL      string
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIKey       string

	Timeout         time.Duration
	RatePerSec      int
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.AuthURL) == "" {
		c.AuthURL = DefaultAuthURL
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 30 * time.Second
	}
	return c
}

// Location is one account location.
type Location struct {
	ID   string
	Name string
}

// Client talks to the Gardena smart system cloud.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	now   func() time.Time
	newID func() string

	tokMu  sync.Mutex
	token  string
	expiry time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "gardena")),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// AccessToken returns a cached bearer token, fetching a new one with the
// client credentials grant when the cached one is within a minute of expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokMu.Lock()
	defer c.tokMu.Unlock()
	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &GatewayError{Op: "token", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode/100 != 2 {
		return "", &GatewayError{Op: "token", Status: resp.StatusCode, Title: errorTitle(body)}
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		if err == nil {
			err = fmt.Errorf("empty access token")
		}
		return "", &GatewayError{Op: "token", Status: resp.StatusCode, Err: err}
	}
	c.token = out.AccessToken
	c.expiry = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSkew)
	c.log.Debug("access token refreshed", logx.Time("expires", c.expiry))
	return c.token, nil
}

func (c *Client) dropToken() {
	c.tokMu.Lock()
	c.token = ""
	c.tokMu.Unlock()
}

type resource struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (c *Client) ListLocations(ctx context.Context) ([]Location, error) {
	var doc struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				Name string `json:"name"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, "locations", http.MethodGet, "/locations", nil, &doc, true); err != nil {
		return nil, err
	}
	out := make([]Location, 0, len(doc.Data))
	for _, d := range doc.Data {
		out = append(out, Location{ID: d.ID, Name: d.Attributes.Name})
	}
	return out, nil
}

// PrimaryLocation returns the first location id of the account, or "" when
// it has none.
func (c *Client) PrimaryLocation(ctx context.Context) (string, error) {
	locs, err := c.ListLocations(ctx)
	if err != nil || len(locs) == 0 {
		return "", err
	}
	return locs[0].ID, nil
}

// DeviceTree returns the raw services of a location.
func (c *Client) DeviceTree(ctx context.Context, locationID string) ([]device.Service, error) {
	var doc struct {
		Included []device.Service `json:"included"`
	}
	path := "/locations/" + url.PathEscape(locationID)
	if err := c.do(ctx, "device tree", http.MethodGet, path, nil, &doc, true); err != nil {
		return nil, err
	}
	return doc.Included, nil
}

// OpenEventStream requests a short-lived real-time stream URL for a location.
func (c *Client) OpenEventStream(ctx context.Context, locationID string) (string, error) {
	attrs, _ := json.Marshal(map[string]string{"locationId": locationID})
	req := map[string]resource{"data": {ID: c.newID(), Type: "WEBSOCKET", Attributes: attrs}}
	var doc struct {
		Data struct {
			Attributes struct {
				URL string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, "event stream", http.MethodPost, "/websocket", req, &doc, false); err != nil {
		return "", err
	}
	if doc.Data.Attributes.URL == "" {
		return "", &GatewayError{Op: "event stream", Err: fmt.Errorf("no url in response")}
	}
	return doc.Data.Attributes.URL, nil
}

// SendCommand issues one control command against a service. It is never retried.
func (c *Client) SendCommand(ctx context.Context, serviceID, resourceType, command string, extra map[string]any) error {
	fields := map[string]any{"command": command}
	for k, v := range extra {
		fields[k] = v
	}
	attrs, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	req := map[string]resource{"data": {ID: c.newID(), Type: resourceType, Attributes: attrs}}
	path := "/command/" + url.PathEscape(serviceID)
	return c.do(ctx, "command", http.MethodPut, path, req, nil, false)
}

// RenameService sets the display name held by a COMMON service.
func (c *Client) RenameService(ctx context.Context, serviceID, name string) error {
	attrs, _ := json.Marshal(map[string]any{"name": map[string]string{"value": name}})
	req := map[string]resource{"data": {ID: serviceID, Type: "COMMON", Attributes: attrs}}
	path := "/services/" + url.PathEscape(serviceID)
	return c.do(ctx, "rename", http.MethodPut, path, req, nil, false)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Authorization-Provider", "husqvarna")
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			return &GatewayError{Op: op, Err: err}
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

		if resp.StatusCode/100 != 2 {
			gerr := &GatewayError{Op: op, Status: resp.StatusCode, Title: errorTitle(data)}
			if resp.StatusCode == http.StatusUnauthorized {
				c.dropToken()
			}
			if resp.StatusCode >= 500 {
				return gerr
			}
			return backoff.Permanent(gerr)
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(&GatewayError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)})
			}
		}
		return nil
	}

	if !idempotent {
		return unwrapPermanent(attempt())
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxElapsedTime = c.cfg.RetryMaxElapsed
	notify := func(err error, wait time.Duration) {
		c.log.Warn("gardena call failed, retrying",
			logx.String("op", op),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
	}
	return unwrapPermanent(backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify))
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*backoff.PermanentError); ok {
		return p.Err
	}
	return err
}

func errorTitle(body []byte) string {
	var doc struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &doc) != nil {
		return ""
	}
	if len(doc.Errors) > 0 {
		if doc.Errors[0].Title != "" {
			return doc.Errors[0].Title
		}
		return doc.Errors[0].Detail
	}
	return doc.Message
}
