package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pashagolub/bookvote/pkg/data"
)

const ctxKeySession ctxKey = ctxKeyClaims + 1

// PairItem is one side of a comparison.
type PairItem struct {
	ID         string  `json:"id"`
	Payload    string  `json:"payload"`
	LocalScore float64 `json:"localScore"`
}

// PairResponse is the response for GET /api/sessions/{id}/pair.
type PairResponse struct {
	Type  data.ItemKind `json:"type"`
	A     PairItem      `json:"a"`
	B     PairItem      `json:"b"`
	Round int           `json:"round"` // 1-based number of the comparison being shown
	Max   int           `json:"max"`
}

// VoteRequest is the request body for POST /api/sessions/{id}/votes.
type VoteRequest struct {
	Type     string `json:"type"`
	WinnerID string `json:"winnerId"`
	LoserID  string `json:"loserId"`
}

// VoteResponse reports the counters after a vote.
type VoteResponse struct {
	VoteID       string             `json:"voteId"`
	Rounds       int                `json:"rounds"`
	Phase        data.Phase         `json:"phase"`
	PhaseChanged bool               `json:"phaseChanged"`
	Scores       data.OutcomeScores `json:"scores"`
}

// RankedItem is one row of a ranking.
type RankedItem struct {
	Rank      int     `json:"rank"`
	ID        string  `json:"id"`
	Payload   string  `json:"payload"`
	Score     float64 `json:"score"`
	VoteCount int     `json:"voteCount"`
}

// sessionMiddleware loads the {id} session, which must belong to the caller.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Get(chi.URLParam(r, "id"))
		if err != nil || sess.State().UserID != claimsFrom(r).Subject {
			writeError(w, http.StatusNotFound, data.ErrSessionNotFound.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySession, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) *data.Session {
	return r.Context().Value(ctxKeySession).(*data.Session)
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.catalog.User(r.Context(), claimsFrom(r).Subject)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		sess, err := s.sessions.Create(user.ID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.logger.Debug("session started", "session", sess.ID(), "user", user.ID)
		writeJSON(w, http.StatusCreated, sess.State())
	}
}

func (s *Server) handleSessionState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionFrom(r).State())
	}
}

func (s *Server) handleRestart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		sess.Restart()
		writeJSON(w, http.StatusOK, sess.State())
	}
}

func (s *Server) handlePair() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		kind, err := data.ParseItemKind(r.URL.Query().Get("type"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		a, b, ok, err := sess.NextPair(kind)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		st := sess.State()
		resp := PairResponse{
			Type:  kind,
			A:     PairItem{ID: a.ID, Payload: a.Payload, LocalScore: a.LocalScore},
			B:     PairItem{ID: b.ID, Payload: b.Payload, LocalScore: b.LocalScore},
			Round: st.TitleRounds + 1,
			Max:   st.MaxTitleRounds,
		}
		if kind == data.KindCover {
			resp.Round, resp.Max = st.CoverRounds+1, st.MaxCoverRounds
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleVote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		userID := claimsFrom(r).Subject

		var req VoteRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		kind, err := data.ParseItemKind(req.Type)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		refund, ok := s.limiter.reserve(userID, time.Now())
		if !ok {
			writeError(w, http.StatusTooManyRequests, "too many votes, slow down")
			return
		}

		res, err := sess.SubmitOutcome(r.Context(), kind, req.WinnerID, req.LoserID)
		if err != nil {
			refund()
			s.writeErr(w, r, err)
			return
		}
		if res.PhaseChanged {
			s.completeStep(r.Context(), userID, res.Phase.CompletedStep())
		}
		writeJSON(w, http.StatusOK, VoteResponse{
			VoteID:       res.Vote.ID,
			Rounds:       res.Rounds,
			Phase:        res.Phase,
			PhaseChanged: res.PhaseChanged,
			Scores:       res.Scores,
		})
	}
}

// completeStep advances the user's progress. The vote is already stored, so
// a user who skipped a step only gets a log line.
func (s *Server) completeStep(ctx context.Context, userID string, step data.Step) {
	if _, err := s.catalog.CompleteStep(ctx, userID, step); err != nil {
		s.logger.Warn("user step not advanced", "user", userID, "step", step, "error", err)
	}
}

func (s *Server) handleLocalRankings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		kind, err := data.ParseItemKind(chi.URLParam(r, "kind"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		items, err := sess.Rankings(kind)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if sess.Phase() == data.Done {
			s.completeStep(r.Context(), claimsFrom(r).Subject, data.StepRankings)
		}
		writeJSON(w, http.StatusOK, ranked(items, data.ByLocal))
	}
}

func (s *Server) handleGlobalRankings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := data.ParseItemKind(chi.URLParam(r, "kind"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		items, err := s.catalog.Rankings(kind, data.ByGlobal, nil)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ranked(items, data.ByGlobal))
	}
}

func ranked(items []data.Item, key data.ScoreKey) []RankedItem {
	out := make([]RankedItem, len(items))
	for i, it := range items {
		out[i] = RankedItem{
			Rank:      i + 1,
			ID:        it.ID,
			Payload:   it.Payload,
			Score:     it.Score(key),
			VoteCount: it.VoteCount,
		}
	}
	return out
}
