package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/store"
)

type buildingCreateRequest struct {
	Name         string `json:"name" validate:"required"`
	LicenseQuota int    `json:"license_quota" validate:"required,min=1"`
}

func (s *Server) handleBuildingCreate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := identity.RequireSuperAdmin(p.User); err != nil {
		writeError(w, s.log, err)
		return
	}
	var req buildingCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	b := &store.Building{
		ID:           uuid.NewString(),
		Name:         req.Name,
		LicenseQuota: req.LicenseQuota,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateBuilding(r.Context(), b); err != nil {
		writeError(w, s.log, fault.Storage(err))
		return
	}
	s.log.Info("building created", "building_id", b.ID, "by", p.User.ID)
	writeData(w, http.StatusCreated, b)
}

func (s *Server) handleBuildingList(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := identity.RequireSuperAdmin(p.User); err != nil {
		writeError(w, s.log, err)
		return
	}
	buildings, err := s.store.ListBuildings(r.Context())
	if err != nil {
		writeError(w, s.log, fault.Storage(err))
		return
	}
	if buildings == nil {
		buildings = []store.Building{}
	}
	writeData(w, http.StatusOK, buildings)
}

func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	page := pageFrom(r)
	items, info, err := s.notify.List(r.Context(), p.User, page)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if items == nil {
		items = []store.Notification{}
	}
	writePage(w, items, page, info)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.notify.MarkRead(r.Context(), p.User, urlParam(r, "id")); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"read": true})
}
