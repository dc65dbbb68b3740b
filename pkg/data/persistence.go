package data

import (
	"context"
	"errors"
)

// Error types reported by storage backends
var (
	ErrStaleWrite  = errors.New("item was modified concurrently")
	ErrRoundClosed = errors.New("voting round is no longer active")
)

// ItemStore persists items
type ItemStore interface {
	LoadItems(ctx context.Context, kind ItemKind) ([]Item, error)
	InsertItem(ctx context.Context, item Item) error
	SetItemActive(ctx context.Context, kind ItemKind, id string, active bool) error
}

// VoteStore persists outcomes.
//
// PersistOutcome writes both items and the vote atomically. Each item carries
// its new version; the store only accepts it when the stored version is the
// one before, and reports ErrStaleWrite otherwise. A vote whose round is not
// the active round is rejected with ErrRoundClosed.
type VoteStore interface {
	LoadVotes(ctx context.Context) ([]Vote, error)
	PersistOutcome(ctx context.Context, winner, loser Item, vote Vote) error
	ClearVotes(ctx context.Context) error
}

// RoundStore persists voting rounds and bulk score resets
type RoundStore interface {
	// CurrentRound returns the active round, creating round 1 on an empty store.
	CurrentRound(ctx context.Context) (Round, error)
	// StartRound closes the active round, opens the next one and resets
	// global scores and vote counts of every item.
	StartRound(ctx context.Context, initialRating float64) (Round, error)
	// PersistBulkReset resets global scores and vote counts of one kind.
	PersistBulkReset(ctx context.Context, kind ItemKind, initialRating float64) error
	// HardReset deletes votes, surveys and rounds, resets every score and
	// opens round 1. Items and user profiles are kept.
	HardReset(ctx context.Context, initialRating float64) (Round, error)
}

// UserStore persists participants and their survey answers
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, user User) error
	ListUsers(ctx context.Context) ([]User, error)
	SaveSurvey(ctx context.Context, answers SurveyAnswers) error
	ListSurveys(ctx context.Context) ([]SurveyAnswers, error)
}

// Store is the full persistence collaborator of the catalog
type Store interface {
	ItemStore
	VoteStore
	RoundStore
	UserStore
	Close() error
}

// Auditor receives a record of every state change
type Auditor interface {
	Record(eventType string, data map[string]any) error
}

// Audit event types
const (
	EventItemAdded       = "item_added"
	EventItemDeactivated = "item_deactivated"
	EventItemReactivated = "item_reactivated"
	EventVoteRecorded    = "vote_recorded"
	EventRoundStarted    = "round_started"
	EventScoresReset     = "scores_reset"
	EventVotesCleared    = "votes_cleared"
	EventHardReset       = "hard_reset"
	EventUserRegistered  = "user_registered"
	EventSurveySubmitted = "survey_submitted"
	EventFeedbackGiven   = "feedback_given"
)
