package data

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Vote is a single recorded outcome. Votes are immutable once appended.
type Vote struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id,omitempty"`
	ItemType         ItemKind  `json:"item_type"`
	WinnerItemID     string    `json:"winner_item_id"`
	LoserItemID      string    `json:"loser_item_id"`
	Timestamp        time.Time `json:"timestamp"`
	Round            int       `json:"round"`              // Voting round the vote was applied under
	LocalWinnerScore float64   `json:"local_winner_score"` // Session-local winner rating after the vote
	LocalLoserScore  float64   `json:"local_loser_score"`  // Session-local loser rating after the vote
}

// VoteLog is the ordered, append-only record of outcomes.
type VoteLog struct {
	mu    sync.RWMutex
	votes []Vote
	now   func() time.Time
}

// NewVoteLog creates an empty vote log
func NewVoteLog() *VoteLog {
	return &VoteLog{now: func() time.Time { return time.Now().UTC() }}
}

// Commit assigns the vote an ID and a timestamp not earlier than the last
// recorded vote, hands it to persist and appends it when persist succeeds.
// Commits are serialized, so the log order is the timestamp order.
func (l *VoteLog) Commit(v Vote, persist func(Vote) error) (Vote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Timestamp = l.now()
	if n := len(l.votes); n > 0 && v.Timestamp.Before(l.votes[n-1].Timestamp) {
		v.Timestamp = l.votes[n-1].Timestamp
	}
	if persist != nil {
		if err := persist(v); err != nil {
			return Vote{}, err
		}
	}
	l.votes = append(l.votes, v)
	return v, nil
}

// All returns the votes in chronological order.
func (l *VoteLog) All() []Vote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Vote, len(l.votes))
	copy(out, l.votes)
	return out
}

// Len returns the number of recorded votes.
func (l *VoteLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.votes)
}

// Filter returns the votes accepted by keep, in order.
func (l *VoteLog) Filter(keep func(Vote) bool) []Vote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Vote
	for _, v := range l.votes {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Clear drops every vote. This is an administrative operation and does not
// touch any item scores.
func (l *VoteLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes = nil
}

// Load replaces the log content with votes read from storage.
func (l *VoteLog) Load(votes []Vote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes = make([]Vote, len(votes))
	copy(l.votes, votes)
}
