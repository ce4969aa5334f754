package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/log"
)

const (
	// keyInboundID is the inbound all clients are provisioned into.
	keyInboundID = 1

	DefaultFlow   = "xtls-rprx-vision"
	clientAlter   = 90
	clientLimit   = 1
	clientTraffic = 0
)

// Client talks to one 3x-ui panel. The session cookie lives in the jar;
// login happens lazily on the first call and again after the session drops.
type Client struct {
	endpoint *Endpoint
	login    string
	password string
	http     *http.Client
	logger   zerolog.Logger

	mu     sync.Mutex
	authed bool
}

// NewClient builds a client for the given server address. Panels run with
// self-signed certificates, so verification is off.
func NewClient(host, login, password string) (*Client, error) {
	ep, err := ParseEndpoint(host)
	if err != nil {
		return nil, err
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		endpoint: ep,
		login:    login,
		password: password,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: log.WithComponent("panel"),
	}, nil
}

// Endpoint returns the normalized base address.
func (c *Client) Endpoint() *Endpoint { return c.endpoint }

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Authenticate logs into the panel. Success is either a success JSON body
// or a plain 200 that set a session cookie.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{"username": {c.login}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL("login"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return newError("login", c.endpoint.String(), 0, "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := c.http.Do(req)
	if err != nil {
		return newError("login", c.endpoint.String(), 0, "", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))

	var p apiResponse
	if json.Unmarshal(body, &p) == nil && p.Success {
		return nil
	}
	if res.StatusCode == http.StatusOK && len(res.Cookies()) > 0 {
		return nil
	}
	return newError("login", c.endpoint.String(), res.StatusCode, strings.TrimSpace(string(body)), ErrAuth)
}

func (c *Client) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed {
		return nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return err
	}
	c.authed = true
	return nil
}

// call performs one authenticated API request, retrying once after a
// fresh login when the session has expired.
func (c *Client) call(ctx context.Context, op, method, apiURL string, body []byte) (*apiResponse, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, apiURL, rd)
		if err != nil {
			return nil, newError(op, c.endpoint.String(), 0, "", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.http.Do(req)
		if err != nil {
			return nil, newError(op, c.endpoint.String(), 0, "", err)
		}
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()

		var p apiResponse
		decodeErr := json.Unmarshal(raw, &p)

		sessionLost := res.StatusCode == http.StatusUnauthorized || decodeErr != nil
		if sessionLost && attempt == 0 {
			c.mu.Lock()
			c.authed = false
			c.mu.Unlock()
			if err := c.ensureAuth(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if decodeErr != nil {
			return nil, newError(op, c.endpoint.String(), res.StatusCode, "", ErrUnexpected)
		}
		if !p.Success {
			return &p, newError(op, c.endpoint.String(), res.StatusCode, p.Msg, panelFailure(p.Msg))
		}
		return &p, nil
	}
}

func panelFailure(msg string) error {
	if strings.Contains(strings.ToLower(msg), "not found") {
		return ErrClientNotFound
	}
	return ErrUnexpected
}

// ClientSpec is the provisioning record sent to the panel.
type ClientSpec struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	AlterID    int    `json:"alterId"`
}

// NewClientSpec fills the invariant provisioning fields. Expiry is in
// Unix milliseconds.
func NewClientSpec(id, name string, expiryMS int64) ClientSpec {
	return ClientSpec{
		ID:         id,
		Flow:       DefaultFlow,
		Email:      name,
		LimitIP:    clientLimit,
		TotalGB:    clientTraffic,
		ExpiryTime: expiryMS,
		Enable:     true,
		TgID:       name,
		AlterID:    clientAlter,
	}
}

// ExpiryMS computes the panel expiry for a key finishing at the given
// instant: one slack day is added, then the civil offset removed so the
// panel, which reasons in UTC, cuts off at local midnight.
func ExpiryMS(finish time.Time, civilOffset time.Duration) int64 {
	ms := finish.UnixMilli()
	ms += 24 * int64(time.Hour/time.Millisecond)
	ms -= int64(civilOffset / time.Millisecond)
	return ms
}

// AddClient provisions a client into the key inbound.
func (c *Client) AddClient(ctx context.Context, spec ClientSpec) error {
	settings, err := json.Marshal(map[string]any{"clients": []ClientSpec{spec}})
	if err != nil {
		return newError("addClient", c.endpoint.String(), 0, "", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"id":       keyInboundID,
		"settings": string(settings),
	})
	_, err = c.call(ctx, "addClient", http.MethodPost,
		c.endpoint.URL("panel", "api", "inbounds", "addClient"), payload)
	return err
}

// UpdateClient rewrites a provisioned client, keyed by its uuid.
func (c *Client) UpdateClient(ctx context.Context, spec ClientSpec) error {
	settings, err := json.Marshal(map[string]any{"clients": []ClientSpec{spec}})
	if err != nil {
		return newError("updateClient", c.endpoint.String(), 0, "", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"id":       keyInboundID,
		"settings": string(settings),
	})
	_, err = c.call(ctx, "updateClient", http.MethodPost,
		c.endpoint.URL("panel", "api", "inbounds", "updateClient", spec.ID), payload)
	return err
}

// SetClientEnabled flips a client on or off without touching its expiry.
func (c *Client) SetClientEnabled(ctx context.Context, id string, enabled bool) error {
	cl, err := c.findClient(ctx, id)
	if err != nil {
		return err
	}
	cl.Enable = enabled
	return c.UpdateClient(ctx, *cl)
}

// SetClientExpiry moves a client's cutoff and re-enables it.
func (c *Client) SetClientExpiry(ctx context.Context, id string, expiryMS int64) error {
	cl, err := c.findClient(ctx, id)
	if err != nil {
		return err
	}
	cl.ExpiryTime = expiryMS
	cl.Enable = true
	return c.UpdateClient(ctx, *cl)
}

// DeleteClient removes a client from the key inbound.
func (c *Client) DeleteClient(ctx context.Context, id string) error {
	_, err := c.call(ctx, "delClient", http.MethodPost,
		c.endpoint.URL("panel", "api", "inbounds", fmt.Sprint(keyInboundID), "delClient", id), nil)
	return err
}

// Inbound is the subset of the panel's inbound object the renderer needs.
type Inbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

// ListInbounds fetches every inbound on the panel.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	p, err := c.call(ctx, "listInbounds", http.MethodGet,
		c.endpoint.URL("panel", "api", "inbounds", "list"), nil)
	if err != nil {
		return nil, err
	}
	var inbounds []Inbound
	if err := json.Unmarshal(p.Obj, &inbounds); err != nil {
		return nil, newError("listInbounds", c.endpoint.String(), 0, "", ErrUnexpected)
	}
	return inbounds, nil
}

// KeyInbound returns the inbound clients are provisioned into.
func (c *Client) KeyInbound(ctx context.Context) (*Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].ID == keyInboundID {
			return &inbounds[i], nil
		}
	}
	return nil, newError("listInbounds", c.endpoint.String(), 0, "", ErrInboundNotFound)
}

func (c *Client) findClient(ctx context.Context, id string) (*ClientSpec, error) {
	in, err := c.KeyInbound(ctx)
	if err != nil {
		return nil, err
	}
	var settings struct {
		Clients []ClientSpec `json:"clients"`
	}
	if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
		return nil, newError("findClient", c.endpoint.String(), 0, "", ErrUnexpected)
	}
	for i := range settings.Clients {
		if settings.Clients[i].ID == id {
			return &settings.Clients[i], nil
		}
	}
	return nil, newError("findClient", c.endpoint.String(), 0, "", ErrClientNotFound)
}
