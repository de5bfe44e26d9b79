package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/store"
)

// decodeBody parses and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.Validation, fault.ReasonInvalidInput, "malformed request body", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return fault.New(fault.Validation, fault.ReasonInvalidInput, "request failed validation").
			WithDetails(details)
	}
	return nil
}

func pageFrom(r *http.Request) store.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.Page{Number: page, Limit: limit}.Clamp()
}

type registerRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Role       string `json:"role" validate:"required"`
	BuildingID string `json:"building_id" validate:"required"`
	Apartment  string `json:"apartment,omitempty"`
	Device     string `json:"device,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	u, err := s.identity.Register(r.Context(), identity.RegisterInput{
		Email:      req.Email,
		Phone:      req.Phone,
		Password:   req.Password,
		Role:       req.Role,
		BuildingID: req.BuildingID,
		Apartment:  req.Apartment,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	tokens, err := s.identity.StartSession(r.Context(), u, req.Device, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"user": u, "tokens": tokens})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Device   string `json:"device,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	u, tokens, err := s.identity.Login(r.Context(), req.Email, req.Password,
		req.Device, r.RemoteAddr, r.UserAgent())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"user": u, "tokens": tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	Device       string `json:"device,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	tokens, err := s.identity.Refresh(r.Context(), req.RefreshToken, req.Device)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tokens": tokens})
}

type logoutRequest struct {
	AllDevices bool `json:"all_devices,omitempty"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	var req logoutRequest
	if r.ContentLength > 0 {
		if err := s.decodeBody(r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	if req.AllDevices {
		n, err := s.identity.LogoutAll(r.Context(), p.User.ID)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"revoked_sessions": n})
		return
	}
	if err := s.identity.Logout(r.Context(), p.Session.ID); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, principalFrom(r).User)
}

func (s *Server) handlePendingUsers(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	buildingID := r.URL.Query().Get("building_id")
	if buildingID == "" {
		buildingID = p.User.BuildingID
	}
	users, err := s.identity.ListPending(r.Context(), p.User, buildingID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeData(w, http.StatusOK, users)
}

func (s *Server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	u, err := s.identity.Approve(r.Context(), p.User, urlParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, u)
}
