package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/AndreLimaSa/locals/internal/core/model"
)

// StaticSource always reports the same fix.
type StaticSource struct {
	Fix model.Fix
}

func (StaticSource) Name() string { return "static" }

func (s StaticSource) Position(ctx context.Context) (model.Fix, error) {
	if err := ctx.Err(); err != nil {
		return model.Fix{}, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}
	return s.Fix, nil
}

type clientIPKey struct{}

// WithClientIP records the address of the user a lookup is made for.
func WithClientIP(ctx context.Context, ip string) context.Context {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, addr.Unmap())
}

// ClientIP returns the address set by WithClientIP.
func ClientIP(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(clientIPKey{}).(netip.Addr)
	return addr, ok
}

// IPSource asks an ip-api style endpoint for the user's approximate position,
// looking up the client address carried by the context. Without a public
// client address there is nothing to locate.
type IPSource struct {
	URL    string
	Client *http.Client

	// AccuracyM is reported with every fix; IP lookups are city level at best
	AccuracyM float64
}

func NewIPSource(url string, client *http.Client) *IPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &IPSource{URL: url, Client: client, AccuracyM: 5000}
}

func (*IPSource) Name() string { return "ip" }

type ipLookup struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (s *IPSource) Position(ctx context.Context) (model.Fix, error) {
	ip, ok := ClientIP(ctx)
	if !ok {
		return model.Fix{}, fmt.Errorf("%w: no client address", ErrPositionUnavailable)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return model.Fix{}, fmt.Errorf("%w: client address %s is not routable", ErrPositionUnavailable, ip)
	}

	target := strings.TrimRight(s.URL, "/") + "/" + url.PathEscape(ip.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return model.Fix{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return model.Fix{}, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Fix{}, fmt.Errorf("%w: lookup status %d", ErrPositionUnavailable, resp.StatusCode)
	}

	var out ipLookup
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return model.Fix{}, fmt.Errorf("%w: decode lookup: %w", ErrPositionUnavailable, err)
	}
	if st := strings.ToLower(out.Status); st != "" && st != "success" {
		return model.Fix{}, fmt.Errorf("%w: lookup %s: %s", ErrPositionUnavailable, st, out.Message)
	}
	return model.Fix{
		Coordinates: model.Coordinates{Lat: out.Lat, Lon: out.Lon},
		AccuracyM:   s.AccuracyM,
	}, nil
}

// SourceFor picks the positioning capability named by mode; nil means none.
func SourceFor(mode string, static model.Fix, ipURL string, client *http.Client) Source {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "static":
		return StaticSource{Fix: static}
	case "ip":
		return NewIPSource(ipURL, client)
	default:
		return nil
	}
}
