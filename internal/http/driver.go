package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/models"
)

func (s *Server) driver(r *http.Request) (*lifecycle.Driver, *lifecycle.FixFeed) {
	return s.sessions.Driver(userID(r))
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	status, err := d.Refresh(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "screen": d.Screen()})
}

type onlineRequest struct {
	// LocationDenied mirrors a refused location permission on the device.
	LocationDenied bool          `json:"location_denied"`
	Location       *models.Coord `json:"location,omitempty"`
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	var in onlineRequest
	if err := readJSON(w, r, &in, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, feed := s.driver(r)
	feed.Deny(in.LocationDenied)
	if err := d.GoOnline(r.Context(), feed); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Location != nil && !in.LocationDenied {
		feed.Push(*in.Location)
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	if err := d.GoOffline(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handleDriverLocation feeds one GPS fix into the driver's location watch.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if err := readJSON(w, r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c.IsZero() || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		writeError(w, http.StatusBadRequest, "invalid coordinate")
		return
	}
	_, feed := s.driver(r)
	if !feed.Push(c) {
		writeError(w, http.StatusConflict, "location watch is not running, go online first")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	ride, dist, err := d.Discover(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ride == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "distance_km": dist})
}

type driverAcceptRequest struct {
	Amount *float64 `json:"amount,omitempty"`
}

func (s *Server) handleDriverAccept(w http.ResponseWriter, r *http.Request) {
	var in driverAcceptRequest
	if err := readJSON(w, r, &in, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, _ := s.driver(r)
	if err := d.Accept(r.Context(), mux.Vars(r)["id"], in.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleDriverReject(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	d.Reject(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	ride, err := d.Complete(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	if err := d.Cancel(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverState(w http.ResponseWriter, r *http.Request) {
	d, _ := s.driver(r)
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handleDocuments uploads the "documents" parts and submits them for review.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	urls, ok := s.receiveFiles(w, r, "documents", "documents")
	if !ok {
		return
	}
	u, err := s.store.SubmitDocuments(r.Context(), userID(r), urls)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, _ := s.driver(r)
	if _, err := d.Refresh(r.Context()); err != nil {
		s.logger.Warn("refresh after document upload failed", "driver_id", u.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, u)
}

type renewRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

func (s *Server) handleRenewSubscription(w http.ResponseWriter, r *http.Request) {
	if s.subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}
	var in renewRequest
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.PaymentMethodID == "" {
		writeError(w, http.StatusBadRequest, "payment_method_id is required")
		return
	}
	u, err := s.subscriptions.Renew(r.Context(), userID(r), in.PaymentMethodID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, _ := s.driver(r)
	status, err := d.Refresh(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "status": status, "screen": d.Screen()})
}
