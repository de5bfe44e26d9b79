package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/safeguardhq/safeguard/internal/store"
	"github.com/safeguardhq/safeguard/internal/visit"
)

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

type visitorRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone" validate:"required"`
}

type visitCreateRequest struct {
	BuildingID    string           `json:"building_id,omitempty"`
	Purpose       string           `json:"purpose,omitempty"`
	ExpectedStart time.Time        `json:"expected_start" validate:"required"`
	ExpectedEnd   time.Time        `json:"expected_end" validate:"required"`
	Visitors      []visitorRequest `json:"visitors" validate:"required,min=1,dive"`
	Confirm       bool             `json:"confirm,omitempty"`
}

func (s *Server) handleVisitCreate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var req visitCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	visitors := make([]visit.VisitorInput, len(req.Visitors))
	for i, v := range req.Visitors {
		visitors[i] = visit.VisitorInput{Name: v.Name, Phone: v.Phone}
	}
	res, err := s.visits.Create(r.Context(), p.User, visit.CreateInput{
		BuildingID:    req.BuildingID,
		Purpose:       req.Purpose,
		ExpectedStart: req.ExpectedStart,
		ExpectedEnd:   req.ExpectedEnd,
		Visitors:      visitors,
		Confirm:       req.Confirm,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleVisitList(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	page := pageFrom(r)
	visits, info, err := s.visits.List(r.Context(), p.User, r.URL.Query().Get("building"), page)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if visits == nil {
		visits = []store.Visit{}
	}
	writePage(w, visits, page, info)
}

func (s *Server) handleVisitGet(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	v, err := s.visits.Get(r.Context(), p.User, urlParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

type visitUpdateRequest struct {
	Purpose       *string    `json:"purpose,omitempty"`
	ExpectedStart *time.Time `json:"expected_start,omitempty"`
	ExpectedEnd   *time.Time `json:"expected_end,omitempty"`
}

func (s *Server) handleVisitUpdate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var req visitUpdateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	v, err := s.visits.Update(r.Context(), p.User, urlParam(r, "id"), visit.UpdateInput{
		Purpose:       req.Purpose,
		ExpectedStart: req.ExpectedStart,
		ExpectedEnd:   req.ExpectedEnd,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) handleVisitCancel(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	v, err := s.visits.Cancel(r.Context(), p.User, urlParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) handleVisitConfirm(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	v, err := s.visits.Confirm(r.Context(), p.User, urlParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

type scanRequest struct {
	Code   string `json:"code" validate:"required"`
	Action string `json:"action" validate:"required,oneof=entry exit"`
}

func (s *Server) handleVisitScan(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var req scanRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.visits.Scan(r.Context(), p.User, req.Code, req.Action)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
