// Package api is the HTTP client for the upstream locations, votes, favorites and account API.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
)

const upstreamName = "locals_api"

// ErrUnavailable is returned without a request when the breaker is open.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

type response struct {
	status int
	body   []byte
}

type Option func(*Client)

// WithBreaker trips after failures consecutive transport errors or 5xx
// answers and keeps the circuit open for timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *Client) { c.breaker = newBreaker(failures, timeout, c.logger) }
}

type Client struct {
	logger  *slog.Logger
	http    *http.Client
	base    *url.URL
	breaker *gobreaker.CircuitBreaker[response]

	// noFollow answers redirects as-is; register replies with one on success
	noFollow *http.Client
}

func New(logger *slog.Logger, client *http.Client, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	noFollow := *client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c := &Client{logger: logger, http: client, base: u, noFollow: &noFollow}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func newBreaker(failures uint32, timeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker[response] {
	return gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        upstreamName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	base := strings.TrimRight(u.EscapedPath(), "/")
	u.RawPath = base + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, target, token string, body any) (response, error) {
	return c.send(ctx, c.http, op, method, target, token, body)
}

func (c *Client) send(ctx context.Context, hc *http.Client, op, method, target, token string, body any) (response, error) {
	exec := func() (response, error) {
		var rdr io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return response{}, fmt.Errorf("%s: encode body: %w", op, err)
			}
			rdr = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return response{}, fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		start := time.Now()
		resp, err := hc.Do(req)
		observability.ObserveUpstreamLatency(upstreamName, op, time.Since(start).Seconds())
		if err != nil {
			return response{}, fmt.Errorf("%s: do request: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return response{}, fmt.Errorf("%s: read body: %w", op, err)
		}
		out := response{status: resp.StatusCode, body: b}
		if resp.StatusCode >= 500 {
			// 5xx counts against the breaker; 4xx is the caller's problem
			return out, statusErr(op, out)
		}
		return out, nil
	}

	var (
		res response
		err error
	)
	if c.breaker != nil {
		res, err = c.breaker.Execute(exec)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return response{}, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
	} else {
		res, err = exec()
	}
	if err != nil {
		return response{}, err
	}

	c.logger.DebugContext(ctx, "upstream call", "op", op, "method", method, "status", res.status)
	if res.status < 200 || res.status >= 300 {
		return res, statusErr(op, res)
	}
	return res, nil
}

func statusErr(op string, r response) error {
	body := strings.TrimSpace(string(r.body))
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{Op: op, Status: r.status, Body: body}
}

// Locations fetches GET /locations.
func (c *Client) Locations(ctx context.Context) ([]model.LocationRecord, error) {
	res, err := c.do(ctx, "locations", http.MethodGet, c.endpoint("locations"), "", nil)
	if err != nil {
		return nil, err
	}
	return decodeLocations(res.body)
}

// Vote posts a like or dislike and returns the server's updated record.
func (c *Client) Vote(ctx context.Context, token, id string, dir model.Direction) (model.LocationRecord, error) {
	op := dir.String()
	res, err := c.do(ctx, op, http.MethodPost, c.endpoint("locations", id, dir.String()), token, nil)
	if err != nil {
		return model.LocationRecord{}, err
	}
	var w wireLocation
	if err := json.Unmarshal(res.body, &w); err != nil {
		return model.LocationRecord{}, fmt.Errorf("%s: decode location: %w", op, err)
	}
	return w.record(), nil
}

// AddFavorite posts /favorites/{id}. The API answers 400 for duplicates.
func (c *Client) AddFavorite(ctx context.Context, token, id string) (string, error) {
	res, err := c.do(ctx, "favorite", http.MethodPost, c.endpoint("favorites", id), token, nil)
	if err != nil {
		return "", err
	}
	var msg struct {
		Message string `json:"message"`
	}
	if len(bytes.TrimSpace(res.body)) > 0 {
		if err := json.Unmarshal(res.body, &msg); err != nil {
			return "", fmt.Errorf("favorite: decode message: %w", err)
		}
	}
	return msg.Message, nil
}

// Favorites fetches the caller's favorite locations.
func (c *Client) Favorites(ctx context.Context, token string) ([]model.LocationRecord, error) {
	res, err := c.do(ctx, "favorites", http.MethodGet, c.endpoint("favorites"), token, nil)
	if err != nil {
		return nil, err
	}
	return decodeLocations(res.body)
}

type LoginResult struct {
	AccessToken string `json:"accessToken"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	res, err := c.do(ctx, "login", http.MethodPost, c.endpoint("login"), "", body)
	if err != nil {
		return LoginResult{}, err
	}
	var out LoginResult
	if err := json.Unmarshal(res.body, &out); err != nil {
		return LoginResult{}, fmt.Errorf("login: decode: %w", err)
	}
	if out.AccessToken == "" {
		return LoginResult{}, errors.New("login: response has no access token")
	}
	return out, nil
}

// Register creates an account. The API answers a redirect to its login page
// on success and 400 when the email is taken.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	body := map[string]string{"name": name, "email": email, "password": password}
	_, err := c.send(ctx, c.noFollow, "register", http.MethodPost, c.endpoint("register"), "", body)
	if st := StatusOf(err); st >= 300 && st < 400 {
		return nil
	}
	return err
}
