package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/persona-agent/internal/events"
	"github.com/nugget/persona-agent/internal/leads"
)

const (
	defaultLeadLimit = 50
	qrSize           = 256
)

func (s *Server) handleLeadList(w http.ResponseWriter, r *http.Request) {
	if s.leads == nil {
		s.errorResponse(w, http.StatusNotFound, "lead store not configured")
		return
	}
	limit := parseIntParam(r, "limit", defaultLeadLimit)
	list, err := s.leads.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list leads failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if list == nil {
		list = []leads.Lead{}
	}
	writeJSON(w, map[string]any{"leads": list, "count": len(list)}, s.logger)
}

func (s *Server) lookupLead(w http.ResponseWriter, r *http.Request) (leads.Lead, bool) {
	if s.leads == nil {
		s.errorResponse(w, http.StatusNotFound, "lead store not configured")
		return leads.Lead{}, false
	}
	l, err := s.leads.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, leads.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "lead not found")
		return leads.Lead{}, false
	}
	if err != nil {
		s.logger.Error("get lead failed", "id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load lead")
		return leads.Lead{}, false
	}
	return l, true
}

func (s *Server) handleLeadGet(w http.ResponseWriter, r *http.Request) {
	if l, ok := s.lookupLead(w, r); ok {
		writeJSON(w, l, s.logger)
	}
}

func (s *Server) handleLeadVCard(w http.ResponseWriter, r *http.Request) {
	l, ok := s.lookupLead(w, r)
	if !ok {
		return
	}
	card, err := leads.VCard(l)
	if err != nil {
		s.logger.Error("vcard encode failed", "id", l.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to encode vcard")
		return
	}
	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="lead-%s.vcf"`, l.ID))
	if _, err := w.Write(card); err != nil {
		s.logger.Debug("failed to write vcard", "error", err)
	}
}

func (s *Server) handleProfileReload(w http.ResponseWriter, r *http.Request) {
	if s.profile == nil {
		s.errorResponse(w, http.StatusNotFound, "profile not configured")
		return
	}
	if err := s.profile.Reload(); err != nil {
		s.logger.Warn("profile reload failed", "path", s.profile.Path(), "error", err)
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.events.Emit(events.SourceProfile, events.KindProfileReloaded, map[string]any{"path": s.profile.Path(), "reason": "api"})
	s.logger.Info("profile reloaded", "path", s.profile.Path())
	writeJSON(w, map[string]any{
		"status":    "reloaded",
		"path":      s.profile.Path(),
		"loaded_at": s.profile.LoadedAt().UTC().Format(time.RFC3339),
	}, s.logger)
}

func (s *Server) handleProfileQR(w http.ResponseWriter, r *http.Request) {
	if s.shareURL == "" {
		s.errorResponse(w, http.StatusNotFound, "profile.share_url not configured")
		return
	}
	png, err := qrcode.Encode(s.shareURL, qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR code", "error", err)
	}
}
