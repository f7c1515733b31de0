// Package instagram is an HTTP client for the platform's private web
// API: session login, follower/following resolution, and direct-message
// delivery. It implements transport.Session, transport.TargetProvider
// and transport.MessageSender.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

const (
	defaultBaseURL = "https://i.instagram.com"
	defaultTimeout = 30 * time.Second
	userAgent      = "Instagram 289.0.0.0 (dripbot)"

	// followersPageSize is the page size requested from the friendship
	// endpoints. The upstream caps pages around 200.
	followersPageSize = 200

	// maxPages bounds resolution so a huge account cannot stall a run
	// forever; campaigns are budget-capped anyway.
	maxPages = 50
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the private web API. Safe for concurrent use; the
// session cookie jar is shared across calls after Login.
type Client struct {
	base string
	http *http.Client
	log  logx.Logger

	csrf string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("instagram base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout, Jar: jar},
		log:  log,
	}, nil
}

// ---- Login ----

type loginResponse struct {
	Authenticated bool   `json:"authenticated"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Login establishes the session. It fetches a CSRF token first, then
// posts the credentials; cookies live in the client's jar afterwards.
func (c *Client) Login(ctx context.Context, creds transport.Credentials) error {
	if creds.Empty() {
		return &transport.LoginError{Err: errors.New("credentials not set")}
	}

	if err := c.fetchCSRF(ctx); err != nil {
		return &transport.LoginError{Err: err}
	}

	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
	}
	var out loginResponse
	if err := c.postForm(ctx, "/api/v1/web/accounts/login/ajax/", form, &out); err != nil {
		return &transport.LoginError{Err: err}
	}
	if !out.Authenticated {
		msg := out.Message
		if msg == "" {
			msg = "authentication rejected"
		}
		return &transport.LoginError{Err: errors.New(msg)}
	}
	c.log.Info("logged in", logx.String("username", creds.Username))
	return nil
}

func (c *Client) fetchCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/si/fetch_headers/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	for _, ck := range resp.Cookies() {
		if ck.Name == "csrftoken" {
			c.csrf = ck.Value
			return nil
		}
	}
	// Some deployments set the token on the response to the login page
	// itself; an empty token just means the header is omitted.
	return nil
}

// ---- Target resolution ----

type userInfoResponse struct {
	Data struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	} `json:"data"`
	Status string `json:"status"`
}

type friendshipPage struct {
	Users []struct {
		PK       json.Number `json:"pk"`
		Username string      `json:"username"`
	} `json:"users"`
	NextMaxID string `json:"next_max_id"`
	Status    string `json:"status"`
}

// Resolve looks up the target account, then walks its followers or
// following pages in order. The returned order is the upstream order.
func (c *Client) Resolve(ctx context.Context, username string, t campaign.TargetType) ([]campaign.RecipientIdentity, error) {
	fail := func(err error) ([]campaign.RecipientIdentity, error) {
		return nil, &transport.ResolutionError{Username: username, Type: t, Err: err}
	}

	var info userInfoResponse
	q := url.Values{"username": {username}}
	if err := c.getJSON(ctx, "/api/v1/users/web_profile_info/?"+q.Encode(), &info); err != nil {
		return fail(err)
	}
	userID := info.Data.User.ID
	if userID == "" {
		return fail(fmt.Errorf("user %q not found", username))
	}

	edge := "followers"
	if t == campaign.TargetFollowing {
		edge = "following"
	}

	var recipients []campaign.RecipientIdentity
	maxID := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{"count": {fmt.Sprint(followersPageSize)}}
		if maxID != "" {
			q.Set("max_id", maxID)
		}
		path := fmt.Sprintf("/api/v1/friendships/%s/%s/?%s", userID, edge, q.Encode())

		var pg friendshipPage
		if err := c.getJSON(ctx, path, &pg); err != nil {
			return fail(err)
		}
		for _, u := range pg.Users {
			recipients = append(recipients, campaign.RecipientIdentity{
				ID:       u.PK.String(),
				Username: u.Username,
			})
		}
		if pg.NextMaxID == "" {
			break
		}
		maxID = pg.NextMaxID
	}

	c.log.Debug("targets resolved",
		logx.String("username", username),
		logx.String("type", string(t)),
		logx.Int("count", len(recipients)))
	return recipients, nil
}

// ---- Delivery ----

type broadcastResponse struct {
	Status string `json:"status"`
}

// Send creates (or reuses) the direct thread with the recipient and
// broadcasts one text message into it.
func (c *Client) Send(ctx context.Context, recipient campaign.RecipientIdentity, text string) error {
	form := url.Values{
		"recipient_users": {fmt.Sprintf("[[%s]]", recipient.ID)},
		"action":          {"send_item"},
		"text":            {text},
	}
	var out broadcastResponse
	if err := c.postForm(ctx, "/api/v1/direct_v2/threads/broadcast/text/", form, &out); err != nil {
		return c.classifySendErr(recipient.ID, err)
	}
	if out.Status != "" && out.Status != "ok" {
		return &transport.DeliveryError{
			Kind:        transport.DeliveryTransient,
			RecipientID: recipient.ID,
			Err:         fmt.Errorf("broadcast status %q", out.Status),
		}
	}
	return nil
}

func (c *Client) classifySendErr(recipientID string, err error) error {
	kind := transport.DeliveryTransient
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusTooManyRequests:
			kind = transport.DeliveryQuotaExhausted
		case se.code == http.StatusNotFound, se.code == http.StatusBadRequest:
			kind = transport.DeliveryUnreachable
		}
	}
	return &transport.DeliveryError{Kind: kind, RecipientID: recipientID, Err: err}
}

// ---- HTTP plumbing ----

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.csrf != "" {
		req.Header.Set("X-CSRFToken", c.csrf)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: truncate(string(body), 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
