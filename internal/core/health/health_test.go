package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReady struct{ loaded, stale bool }

func (f fakeReady) Loaded() bool { return f.loaded }
func (f fakeReady) Stale() bool  { return f.stale }

func TestReadiness_Handler(t *testing.T) {
	cases := []struct {
		in   fakeReady
		code int
		body string
	}{
		{fakeReady{}, http.StatusServiceUnavailable, `"status":"not_ready"`},
		{fakeReady{loaded: true}, http.StatusOK, `"status":"ready"`},
		{fakeReady{loaded: true, stale: true}, http.StatusOK, `"stale":true`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		Readiness(tc.in)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.code {
			t.Fatalf("%+v: status=%d want %d", tc.in, rr.Code, tc.code)
		}
		if !strings.Contains(rr.Body.String(), tc.body) {
			t.Fatalf("%+v: body=%s want %s", tc.in, rr.Body.String(), tc.body)
		}
	}
}
