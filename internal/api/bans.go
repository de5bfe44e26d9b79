package api

import (
	"net/http"
	"time"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/store"
)

type banCreateRequest struct {
	Phone      string `json:"phone" validate:"required"`
	Name       string `json:"name,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Severity   string `json:"severity,omitempty" validate:"omitempty,oneof=low medium high"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty" validate:"omitempty,min=1"`
}

func (s *Server) handleBanCreate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var req banCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	b, err := s.bans.Ban(r.Context(), p.User, ban.Input{
		Phone:    req.Phone,
		Name:     req.Name,
		Reason:   req.Reason,
		Severity: req.Severity,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusCreated, b)
}

func (s *Server) handleBanList(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	page := pageFrom(r)
	bans, info, err := s.bans.List(r.Context(), p.User, page)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if bans == nil {
		bans = []store.Ban{}
	}
	writePage(w, bans, page, info)
}

type unbanRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var req unbanRequest
	if r.ContentLength > 0 {
		if err := s.decodeBody(r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
	}
	b, err := s.bans.Unban(r.Context(), p.User, urlParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

func (s *Server) handleBanCheck(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	res, err := s.bans.Check(r.Context(), p.User, urlParam(r, "phone"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
