package server

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/journal"
)

// AdminLoginRequest is the request body for POST /api/admin/login.
type AdminLoginRequest struct {
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// AddItemRequest is the request body for POST /api/admin/items.
type AddItemRequest struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func (s *Server) handleAdminLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminPasswordHash == "" {
			writeError(w, http.StatusForbidden, "admin login is disabled")
			return
		}
		var req AdminLoginRequest
		if err := readJSON(w, r, &req); err != nil || req.Password == "" {
			writeError(w, http.StatusBadRequest, "password is required")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
			s.logger.Warn("admin login failed", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		token, err := s.tokens.issue(adminSubject, true)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.logger.Info("admin logged in", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, TokenResponse{Token: token})
	}
}

func (s *Server) handleAddItem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddItemRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		kind, err := data.ParseItemKind(req.Type)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		item, err := s.catalog.AddItem(r.Context(), kind, req.Payload)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

func (s *Server) handleDeactivateItem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := data.ParseItemKind(chi.URLParam(r, "kind"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if err := s.catalog.DeactivateItem(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
			s.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleNewRound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		round, err := s.catalog.NewRound(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, round)
	}
}

func (s *Server) handleResetScores() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.catalog.ResetScores(r.Context()); err != nil {
			s.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleClearVotes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.catalog.ClearVotes(r.Context()); err != nil {
			s.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHardReset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		round, err := s.catalog.HardReset(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, round)
	}
}

func (s *Server) handleExport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dataset, err := journal.ParseDataset(chi.URLParam(r, "dataset"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		format := s.exportFormat
		if f := r.URL.Query().Get("format"); f != "" {
			if format, err = journal.ParseFormat(f); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}

		var buf bytes.Buffer
		if err := s.exporter.Export(r.Context(), dataset, format, &buf); err != nil {
			s.writeErr(w, r, err)
			return
		}

		contentType := "text/csv; charset=utf-8"
		if format == journal.FormatJSON {
			contentType = "application/json; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", s.exporter.FileName(dataset, format)))
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.catalog.Stats())
	}
}

// VerifyResponse is the response for GET /api/admin/verify.
type VerifyResponse struct {
	OK bool `json:"ok"`
	data.VerifyReport
}

func (s *Server) handleVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.catalog.Verify()
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyResponse{OK: report.OK(), VerifyReport: report})
	}
}
