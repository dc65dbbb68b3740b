package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) addRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleRegister())
		r.Get("/rankings/{kind}", s.handleGlobalRankings())
		r.Get("/events", s.handleEvents())
		r.Post("/admin/login", s.handleAdminLogin())

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/users/me", s.handleMe())
			r.Post("/users/me/survey", s.handleSurvey())
			r.Post("/users/me/feedback", s.handleFeedback())

			r.Post("/sessions", s.handleCreateSession())
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Use(s.sessionMiddleware)
				r.Get("/", s.handleSessionState())
				r.Get("/pair", s.handlePair())
				r.Post("/votes", s.handleVote())
				r.Post("/restart", s.handleRestart())
				r.Get("/rankings/{kind}", s.handleLocalRankings())
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminMiddleware)
				r.Post("/items", s.handleAddItem())
				r.Delete("/items/{kind}/{id}", s.handleDeactivateItem())
				r.Post("/rounds", s.handleNewRound())
				r.Post("/reset-scores", s.handleResetScores())
				r.Delete("/votes", s.handleClearVotes())
				r.Post("/hard-reset", s.handleHardReset())
				r.Get("/export/{dataset}", s.handleExport())
				r.Get("/stats", s.handleStats())
				r.Get("/verify", s.handleVerify())
			})
		})
	})
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Round    int    `json:"round"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Round:    s.catalog.CurrentRound().Number,
			Sessions: s.sessions.Len(),
		})
	}
}
