package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/store"
)

// envelope is the uniform response shape on every /api route.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Meta    *meta      `json:"meta,omitempty"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type meta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

func pageMeta(p store.Page, info store.PageInfo) *meta {
	p = p.Clamp()
	return &meta{
		Page:       p.Number,
		Limit:      p.Limit,
		Total:      info.Total,
		TotalPages: info.TotalPages,
		HasNext:    info.HasNext,
		HasPrev:    info.HasPrev,
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

func writePage(w http.ResponseWriter, data any, p store.Page, info store.PageInfo) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: data, Meta: pageMeta(p, info)})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeError maps a typed engine error to a status code. Untyped errors leak
// nothing: generic 500 with the internal code.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	fe, ok := fault.As(err)
	if !ok {
		log.Error("unhandled error", "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{
			Success: false,
			Error:   &errorBody{Code: "Internal", Message: "internal server error"},
		})
		return
	}

	var status int
	switch fe.Class {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.Authentication:
		status = http.StatusUnauthorized
	case fault.Authorization:
		status = http.StatusForbidden
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict, fault.License:
		status = http.StatusConflict
	case fault.RateLimit:
		status = http.StatusTooManyRequests
	case fault.Dependency:
		status = http.StatusServiceUnavailable
	default:
		log.Error("internal fault", "reason", fe.Reason, "error", err)
		status = http.StatusInternalServerError
	}

	writeEnvelope(w, status, envelope{
		Success: false,
		Error:   &errorBody{Code: fe.Reason, Message: fe.Message, Details: fe.Details},
	})
}
