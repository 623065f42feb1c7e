package httpapi

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/filestore"
	"github.com/example/ridehail/internal/models"
)

type credentials struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var in auth.SignUpInput
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.auth.SignUp(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, s.auth.Login)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, s.auth.AdminLogin)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, phone, password string) (*auth.Session, error)) {
	var c credentials
	if err := readJSON(w, r, &c, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := fn(r.Context(), c.Phone, c.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileUpdate struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in profileUpdate
	if err := readJSON(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.store.UpdateProfile(r.Context(), userID(r), in.FullName, in.Phone, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	urls, ok := s.receiveFiles(w, r, "avatar", "avatars")
	if !ok {
		return
	}
	u, err := s.store.UpdateProfile(r.Context(), userID(r), "", "", urls[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleDeleteAccount ends the caller's sessions before removing the account.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	s.sessions.Close(r.Context(), uid)
	if err := s.store.DeleteUser(r.Context(), uid); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Close(r.Context(), userID(r))
	w.WriteHeader(http.StatusNoContent)
}

// receiveFiles stores every part named field of a multipart body under folder and returns
// their URLs. It writes the error response itself and reports false on failure.
func (s *Server) receiveFiles(w http.ResponseWriter, r *http.Request, field, folder string) ([]string, bool) {
	if s.files == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 5*filestore.MaxUploadBytes)
	if err := r.ParseMultipartForm(filestore.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return nil, false
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, field+" file is required")
		return nil, false
	}
	urls := make([]string, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable upload")
			return nil, false
		}
		url, err := s.files.Put(r.Context(), path.Join(folder, userID(r)), fh.Filename, f)
		f.Close()
		if err != nil {
			s.fail(w, r, err)
			return nil, false
		}
		urls = append(urls, url)
	}
	return urls, true
}

func (s *Server) handleApproveDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.driverOnly(w, r, id); !ok {
		return
	}
	u, err := s.store.SetVerified(r.Context(), id, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("driver approved", "driver_id", id, "admin_id", userID(r))
	writeJSON(w, http.StatusOK, u)
}

type suspendRequest struct {
	Suspended *bool `json:"suspended"`
}

// handleSuspendDriver suspends by default; {"suspended": false} lifts a suspension.
func (s *Server) handleSuspendDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in suspendRequest
	if err := readJSON(w, r, &in, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	suspended := in.Suspended == nil || *in.Suspended
	if _, ok := s.driverOnly(w, r, id); !ok {
		return
	}
	u, err := s.store.SetSuspended(r.Context(), id, suspended)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if suspended {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.sessions.Close(ctx, id)
		cancel()
	}
	s.logger.Info("driver suspension changed", "driver_id", id, "suspended", suspended, "admin_id", userID(r))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) driverOnly(w http.ResponseWriter, r *http.Request, id string) (*models.User, bool) {
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if u.Role != models.RoleDriver {
		writeError(w, http.StatusBadRequest, "user is not a driver")
		return nil, false
	}
	return u, true
}

func (s *Server) handleOpenRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.store.ListOpenRides(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}
