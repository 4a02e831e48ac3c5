// Package restclient is a small JSON-over-HTTP client for the benchmark
// registries.
package restclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client defaults.
const (
	DefaultRateLimit = 20
	DefaultBurst     = 10
	DefaultTimeout   = 60 * time.Second
	maxErrorBody     = 64 << 10
)

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// IsNotFound reports whether err is an HTTPError with status 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// Endpoint describes where a registry is reachable
type Endpoint struct {
	Host      string
	Port      int
	RootPath  string
	SSL       bool
	SSLVerify bool
	Token     string
	// RateLimit is requests per second; zero uses the default, negative disables.
	RateLimit float64
}

// BaseURL renders http[s]://host[:port]<root_path>.
func (e Endpoint) BaseURL() string {
	scheme := "http"
	if e.SSL {
		scheme = "https"
	}
	host := e.Host
	if e.Port > 0 {
		host += ":" + strconv.Itoa(e.Port)
	}
	return scheme + "://" + host + strings.TrimRight(e.RootPath, "/")
}

// Client sends JSON requests to a base URL
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.RWMutex
	token string
}

// New creates a client for ep.
func New(ep Endpoint) *Client {
	return NewWithBaseURL(ep.BaseURL(), ep)
}

// NewWithBaseURL creates a client for an explicit base URL, taking the
// remaining settings from ep.
func NewWithBaseURL(baseURL string, ep Endpoint) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !ep.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via ssl_verify=false
	}

	var limiter *rate.Limiter
	switch {
	case ep.RateLimit < 0:
	case ep.RateLimit == 0:
		limiter = rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultBurst)
	default:
		limiter = rate.NewLimiter(rate.Limit(ep.RateLimit), DefaultBurst)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: DefaultTimeout},
		limiter: limiter,
		token:   ep.Token,
	}
}

// BaseURL returns the base URL requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// WithToken returns a copy of the client using a different token.
func (c *Client) WithToken(token string) *Client {
	return &Client{baseURL: c.baseURL, http: c.http, limiter: c.limiter, token: token}
}

// Login posts credentials to /token and keeps the returned access token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(req, &tok); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("login: no access_token in response")
	}
	c.SetToken(tok.AccessToken)
	return nil
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Put sends body as JSON and decodes the response into out when non-nil.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Post sends body as JSON and decodes the response into out when non-nil.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Delete issues DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do sends a JSON request. out may be nil, a *[]byte for the raw body,
// or any value to decode into.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(data)}
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		*v = data
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}
}
