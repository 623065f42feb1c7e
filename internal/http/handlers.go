package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/filestore"
	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/maps"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/pricing"
	"github.com/example/ridehail/internal/storage"
)

// Options wires the API to its collaborators. Matcher, Geocoder, Router, Files,
// Subscriptions and UploadDir are optional; the routes they back answer 503 without them.
type Options struct {
	Store         storage.Store
	Sessions      *lifecycle.Sessions
	Auth          *auth.Service
	Tokens        *auth.Tokens
	Matcher       *matcher.Service
	Geocoder      maps.Geocoder
	Router        maps.Router
	Files         filestore.Store
	UploadDir     string
	Subscriptions *payments.Subscriptions
	WS            *notify.WSRegistry
	Logger        *slog.Logger
}

type Server struct {
	store         storage.Store
	sessions      *lifecycle.Sessions
	auth          *auth.Service
	tokens        *auth.Tokens
	matcher       *matcher.Service
	geocoder      maps.Geocoder
	router        maps.Router
	files         filestore.Store
	uploadDir     string
	subscriptions *payments.Subscriptions
	ws            *notify.WSRegistry
	logger        *slog.Logger
	mux           *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := opts.WS
	if ws == nil {
		ws = notify.NewWSRegistry()
	}
	s := &Server{
		store:         opts.Store,
		sessions:      opts.Sessions,
		auth:          opts.Auth,
		tokens:        opts.Tokens,
		matcher:       opts.Matcher,
		geocoder:      opts.Geocoder,
		router:        opts.Router,
		files:         opts.Files,
		uploadDir:     opts.UploadDir,
		subscriptions: opts.Subscriptions,
		ws:            ws,
		logger:        logger.With("component", "http"),
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
	if s.uploadDir != "" {
		s.mux.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadDir))))
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/admin/login", s.handleAdminLogin).Methods(http.MethodPost)
	api.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)
	api.HandleFunc("/route", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)

	me := api.PathPrefix("/me").Subrouter()
	me.Use(s.requireRole())
	me.HandleFunc("", s.handleGetProfile).Methods(http.MethodGet)
	me.HandleFunc("", s.handleUpdateProfile).Methods(http.MethodPatch)
	me.HandleFunc("", s.handleDeleteAccount).Methods(http.MethodDelete)
	me.HandleFunc("/avatar", s.handleAvatar).Methods(http.MethodPost)
	me.HandleFunc("/session", s.handleCloseSession).Methods(http.MethodDelete)

	p := api.PathPrefix("/passenger").Subrouter()
	p.Use(s.requireRole(models.RoleCustomer))
	p.HandleFunc("/plan", s.handlePlan).Methods(http.MethodPost)
	p.HandleFunc("/candidates", s.handleCandidates).Methods(http.MethodGet)
	p.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	p.HandleFunc("/ride/resume", s.handleResume).Methods(http.MethodPost)
	p.HandleFunc("/ride/cancel", s.handlePassengerCancel).Methods(http.MethodPost)
	p.HandleFunc("/ride/rate", s.handleRate).Methods(http.MethodPost)
	p.HandleFunc("/ride/rating/dismiss", s.handleDismissRating).Methods(http.MethodPost)
	p.HandleFunc("/ride/auto-accept", s.handleAutoAccept).Methods(http.MethodPut)
	p.HandleFunc("/ride/keep-searching", s.handleKeepSearching).Methods(http.MethodPost)
	p.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	p.HandleFunc("/offers/{id}/reject", s.handleRejectOffer).Methods(http.MethodPost)
	p.HandleFunc("/state", s.handlePassengerState).Methods(http.MethodGet)

	d := api.PathPrefix("/driver").Subrouter()
	d.Use(s.requireRole(models.RoleDriver))
	d.HandleFunc("/status", s.handleDriverStatus).Methods(http.MethodGet)
	d.HandleFunc("/online", s.handleGoOnline).Methods(http.MethodPost)
	d.HandleFunc("/offline", s.handleGoOffline).Methods(http.MethodPost)
	d.HandleFunc("/location", s.handleDriverLocation).Methods(http.MethodPost)
	d.HandleFunc("/discover", s.handleDiscover).Methods(http.MethodGet)
	d.HandleFunc("/rides/{id}/accept", s.handleDriverAccept).Methods(http.MethodPost)
	d.HandleFunc("/rides/{id}/reject", s.handleDriverReject).Methods(http.MethodPost)
	d.HandleFunc("/ride/complete", s.handleComplete).Methods(http.MethodPost)
	d.HandleFunc("/ride/cancel", s.handleDriverCancel).Methods(http.MethodPost)
	d.HandleFunc("/documents", s.handleDocuments).Methods(http.MethodPost)
	d.HandleFunc("/subscription", s.handleRenewSubscription).Methods(http.MethodPost)
	d.HandleFunc("/state", s.handleDriverState).Methods(http.MethodGet)

	a := api.PathPrefix("/admin").Subrouter()
	a.Use(s.requireRole(models.RoleAdmin))
	a.HandleFunc("/drivers/{id}/approve", s.handleApproveDriver).Methods(http.MethodPost)
	a.HandleFunc("/drivers/{id}/suspend", s.handleSuspendDriver).Methods(http.MethodPost)
	a.HandleFunc("/rides/open", s.handleOpenRides).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS attaches the caller's notification socket. Browsers cannot set headers on a
// websocket handshake, so the token may also come from the query string.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r.Header.Get("Authorization"))
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	uid := claims.UserID
	sess := s.ws.Add(uid, conn)
	s.logger.Info("ws connected", "user_id", uid)
	s.ws.ReadLoop(uid, sess)

	// A reconnect replaces the socket; only a real disconnect ends the sessions.
	if !s.ws.Connected(uid) && s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.sessions.Close(ctx, uid)
		cancel()
		s.logger.Info("ws disconnected, sessions closed", "user_id", uid)
	}
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		writeError(w, http.StatusServiceUnavailable, "geocoding is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	place, err := s.geocoder.Search(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, place)
}

// handleRoute returns road geometry for from=lat,lon&to=lat,lon.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "routing is not configured")
		return
	}
	from, err := parseCoord(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseCoord(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	route, err := s.router.Route(r.Context(), from, to)
	if err != nil {
		s.logger.Warn("route lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "route unavailable")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type tripRequest struct {
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
}

// handleQuote prices a trip without touching any session.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Pickup.IsZero() || req.Destination.IsZero() {
		writeError(w, http.StatusBadRequest, "pickup and destination are required")
		return
	}
	writeJSON(w, http.StatusOK, pricing.QuoteFor(req.Pickup.Coord, req.Destination.Coord))
}

func parseCoord(v string) (models.Coord, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return models.Coord{}, errors.New("expected lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Coord{}, errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Coord{}, errors.New("invalid longitude")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Coord{}, errors.New("coordinate out of range")
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}
