package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/models"
)

func (s *Server) passenger(r *http.Request) *lifecycle.Passenger {
	return s.sessions.Passenger(userID(r))
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := s.passenger(r).Plan(r.Context(), req.Pickup, req.Destination)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleCandidates previews nearby drivers ranked by ETA and rating.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if s.matcher == nil {
		writeError(w, http.StatusServiceUnavailable, "driver preview is not configured")
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": s.matcher.Candidates(r.Context(), models.Coord{Lat: lat, Lon: lon}),
	})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.RequestInput
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.passenger(r).Request(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ride, err := s.passenger(r).Resume(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ride == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePassengerCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.passenger(r).Cancel(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rateRequest struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var in rateRequest
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	driver, err := s.passenger(r).Rate(r.Context(), in.Stars, in.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver": driver})
}

func (s *Server) handleDismissRating(w http.ResponseWriter, r *http.Request) {
	s.passenger(r).DismissRating()
	w.WriteHeader(http.StatusNoContent)
}

type autoAcceptRequest struct {
	Price *float64 `json:"price"`
}

// handleAutoAccept sets the ceiling; a null price turns auto-accept off.
func (s *Server) handleAutoAccept(w http.ResponseWriter, r *http.Request) {
	var in autoAcceptRequest
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := s.passenger(r)
	if err := p.SetAutoAccept(r.Context(), in.Price); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleKeepSearching(w http.ResponseWriter, r *http.Request) {
	if err := s.passenger(r).KeepSearching(); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	p := s.passenger(r)
	if err := p.AcceptOffer(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.passenger(r).RejectOffer(mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePassengerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.passenger(r).Snapshot())
}
