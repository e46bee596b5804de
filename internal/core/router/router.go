// Package router exposes session operations over HTTP.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/AndreLimaSa/locals/internal/api"
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/filter"
	"github.com/AndreLimaSa/locals/internal/geo"
	mylog "github.com/AndreLimaSa/locals/internal/logger"
	"github.com/AndreLimaSa/locals/internal/session"
	"github.com/AndreLimaSa/locals/internal/store"
	"github.com/AndreLimaSa/locals/internal/view"
	"github.com/AndreLimaSa/locals/internal/vote"
)

const (
	SessionHeader = "X-Session-ID"
	SessionCookie = "locals_session"
)

// Sessions opens the session a request belongs to.
type Sessions interface {
	Open(ctx context.Context, id string) (*session.Session, error)
	Remove(id string)
}

type Handlers struct {
	logger   *slog.Logger
	sessions Sessions
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

func New(logger *slog.Logger, sessions Sessions) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger.With("component", "router"), sessions: sessions}
}

// Mount registers the session routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/view", h.withSession(h.view))
	r.Get("/view/markers", h.withSession(h.markers))
	r.Post("/criteria/category/{label}", h.withSession(h.toggleCategory))
	r.Delete("/criteria/category", h.withSession(h.clearCategory))
	r.Put("/criteria/amenity", h.withSession(h.setAmenity))
	r.Put("/criteria/distance", h.withSession(h.setDistance))
	r.Post("/position", h.withSession(h.reportPosition))
	r.Post("/position/locate", h.withSession(h.locate))
	r.Post("/refresh", h.withSession(h.refresh))
	r.Post("/locations/{id}/{action}", h.withSession(h.dispatch))
	r.Post("/favorites/{id}", h.withSession(h.saveFavorite))
	r.Get("/favorites", h.withSession(h.favorites))
	r.Post("/login", h.withSession(h.login))
	r.Post("/register", h.withSession(h.register))
	r.Delete("/session", h.endSession)
}

func sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// remoteIP expects RemoteAddr already resolved from forwarding headers by
// chi's RealIP middleware; it may or may not carry a port.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s *session.Session)

// withSession resolves the session from the header or cookie, creating one
// when absent, and echoes its id back. A session whose first load failed
// answers with its snapshot and the mapped status.
func (h *Handlers) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(geo.WithClientIP(r.Context(), remoteIP(r)))
		id := sessionID(r)
		s, err := h.sessions.Open(r.Context(), id)
		if s == nil {
			h.writeError(w, r, err)
			return
		}
		if s.ID() != id {
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    s.ID(),
				Path:     "/",
				HttpOnly: true,
				Secure:   h.SecureCookie,
				SameSite: http.SameSiteLaxMode,
				Expires:  time.Now().Add(30 * 24 * time.Hour),
			})
		}
		w.Header().Set(SessionHeader, s.ID())
		if err != nil {
			h.respond(w, r, s, err)
			return
		}

		ctx := mylog.WithSessionID(r.Context(), s.ID())
		next(w, r.WithContext(ctx), s)
	}
}

func (h *Handlers) view(w http.ResponseWriter, _ *http.Request, s *session.Session) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) markers(w http.ResponseWriter, r *http.Request, s *session.Session) {
	b, err := s.Markers()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handlers) toggleCategory(w http.ResponseWriter, r *http.Request, s *session.Session) {
	h.respond(w, r, s, s.ToggleCategory(r.Context(), chi.URLParam(r, "label")))
}

func (h *Handlers) clearCategory(w http.ResponseWriter, r *http.Request, s *session.Session) {
	h.respond(w, r, s, s.ClearCategory(r.Context()))
}

func (h *Handlers) setAmenity(w http.ResponseWriter, r *http.Request, s *session.Session) {
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		h.writeError(w, r, badRequest("on must be true or false"))
		return
	}
	h.respond(w, r, s, s.SetAmenityOnly(r.Context(), on))
}

func (h *Handlers) setDistance(w http.ResponseWriter, r *http.Request, s *session.Session) {
	km, err := strconv.ParseFloat(r.URL.Query().Get("km"), 64)
	if err != nil {
		h.writeError(w, r, badRequest("km must be a number"))
		return
	}
	h.respond(w, r, s, s.SetMaxDistanceKm(r.Context(), km))
}

type positionBody struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Accuracy float64  `json:"accuracy"`
}

func (h *Handlers) reportPosition(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var body positionBody
	if err := decodeBody(w, r, &body); err != nil || body.Lat == nil || body.Lon == nil {
		h.writeError(w, r, badRequest("body must be {lat, lon, accuracy}"))
		return
	}
	fix := model.Fix{Coordinates: model.Coordinates{Lat: *body.Lat, Lon: *body.Lon}, AccuracyM: body.Accuracy}
	h.respond(w, r, s, s.ReportPosition(r.Context(), fix))
}

func (h *Handlers) locate(w http.ResponseWriter, r *http.Request, s *session.Session) {
	h.respond(w, r, s, s.Locate(r.Context()))
}

func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request, s *session.Session) {
	h.respond(w, r, s, s.Refresh(r.Context()))
}

func (h *Handlers) dispatch(w http.ResponseWriter, r *http.Request, s *session.Session) {
	a, err := view.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.writeError(w, r, badRequest(err.Error()))
		return
	}
	h.respond(w, r, s, s.Dispatch(r.Context(), chi.URLParam(r, "id"), a))
}

func (h *Handlers) saveFavorite(w http.ResponseWriter, r *http.Request, s *session.Session) {
	h.respond(w, r, s, s.Dispatch(r.Context(), chi.URLParam(r, "id"), view.ActionFavorite))
}

func (h *Handlers) favorites(w http.ResponseWriter, r *http.Request, s *session.Session) {
	recs, err := s.Favorites(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type resp struct {
		Favorites []model.LocationRecord `json:"favorites"`
		Notice    string                 `json:"notice,omitempty"`
	}
	out := resp{Favorites: recs}
	if len(recs) == 0 {
		out.Favorites = []model.LocationRecord{}
		out.Notice = session.NoticeNoFavorites
	}
	writeJSON(w, http.StatusOK, out)
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var body loginBody
	if err := decodeBody(w, r, &body); err != nil || body.Email == "" || body.Password == "" {
		h.writeError(w, r, badRequest("body must be {email, password}"))
		return
	}
	res, err := s.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		if st := api.StatusOf(err); st == http.StatusBadRequest || st == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %w", vote.ErrUnauthenticated, err)
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectUrl": res.RedirectURL})
}

type registerBody struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var body registerBody
	if err := decodeBody(w, r, &body); err != nil || body.Email == "" || body.Password == "" {
		h.writeError(w, r, badRequest("body must be {name, email, password}"))
		return
	}
	if err := s.Register(r.Context(), body.Name, body.Email, body.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"redirectUrl": "/login"})
}

// endSession tears down the caller's session, if any, and expires the cookie.
func (h *Handlers) endSession(w http.ResponseWriter, r *http.Request) {
	if id := sessionID(r); id != "" {
		h.sessions.Remove(id)
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

// respond writes the session state after a mutation, or the mapped error.
// A failed fetch still carries the state so the client can show what it has.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, s *session.Session, err error) {
	if errors.Is(err, store.ErrFetchFailed) {
		h.logger.WarnContext(r.Context(), "serving state after failed fetch", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, s.Snapshot())
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, filter.ErrUnknownCategory),
		errors.Is(err, filter.ErrInvalidDistance),
		errors.Is(err, session.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, vote.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, view.ErrViewNodeMissing):
		return http.StatusNotFound
	case errors.Is(err, vote.ErrAlreadyFavorited), errors.Is(err, session.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, geo.ErrUnsupportedPlatform):
		return http.StatusNotImplemented
	case errors.Is(err, vote.ErrRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrFetchFailed), errors.Is(err, geo.ErrPositionUnavailable), errors.Is(err, api.ErrUnavailable):
		return http.StatusServiceUnavailable
	case api.StatusOf(err) != 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "err", err)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
