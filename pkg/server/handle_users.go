package server

import (
	"net/http"

	"github.com/pashagolub/bookvote/pkg/data"
)

// RegisterRequest is the request body for POST /api/users.
type RegisterRequest struct {
	Name string `json:"name"`
}

// RegisterResponse carries the new profile and its bearer token.
type RegisterResponse struct {
	User  data.User `json:"user"`
	Token string    `json:"token"`
}

// SurveyRequest is the request body for POST /api/users/me/survey.
type SurveyRequest struct {
	ReadingHabits []string `json:"readingHabits"`
	InterestLevel int      `json:"interestLevel"`
}

// FeedbackRequest is the request body for POST /api/users/me/feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := s.catalog.RegisterUser(r.Context(), req.Name)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		token, err := s.tokens.issue(user.ID, false)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, RegisterResponse{User: user, Token: token})
	}
}

func (s *Server) handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.catalog.User(r.Context(), claimsFrom(r).Subject)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) handleSurvey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SurveyRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := s.catalog.SubmitSurvey(r.Context(), data.SurveyAnswers{
			UserID:        claimsFrom(r).Subject,
			ReadingHabits: req.ReadingHabits,
			InterestLevel: req.InterestLevel,
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) handleFeedback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := s.catalog.SubmitFeedback(r.Context(), claimsFrom(r).Subject, req.Feedback)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
