package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error types for comparison sessions
var (
	ErrWrongPhase      = errors.New("item type does not match the current phase")
	ErrSessionComplete = errors.New("session has no comparisons left")
	ErrSessionNotFound = errors.New("session not found")
)

// Phase is the stage of a comparison session
type Phase int

const (
	TitlePhase Phase = iota
	CoverPhase
	Done
)

// String returns a string representation of the Phase
func (p Phase) String() string {
	switch p {
	case TitlePhase:
		return "titles"
	case CoverPhase:
		return "covers"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Kind returns the item kind compared during the phase.
func (p Phase) Kind() (ItemKind, bool) {
	switch p {
	case TitlePhase:
		return KindTitle, true
	case CoverPhase:
		return KindCover, true
	}
	return "", false
}

// CompletedStep is the user step finished once a session reaches p.
func (p Phase) CompletedStep() Step {
	switch p {
	case CoverPhase:
		return StepTitles
	case Done:
		return StepCovers
	}
	return StepSurvey
}

// Identity tells the session who is voting
type Identity interface {
	CurrentUserID() (string, bool)
}

// UserID is an Identity for a fixed user. The empty UserID is anonymous.
type UserID string

// CurrentUserID implements Identity
func (u UserID) CurrentUserID() (string, bool) {
	return string(u), u != ""
}

// SessionConfig holds the per-session comparison limits
type SessionConfig struct {
	MaxTitleRounds int `yaml:"max_title_rounds" json:"max_title_rounds" env:"MAX_TITLE_ROUNDS"`
	MaxCoverRounds int `yaml:"max_cover_rounds" json:"max_cover_rounds" env:"MAX_COVER_ROUNDS"`
}

// DefaultSessionConfig returns 12 title and 12 cover comparisons
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{MaxTitleRounds: 12, MaxCoverRounds: 12}
}

// Validate checks that session configuration is valid
func (c SessionConfig) Validate() error {
	if c.MaxTitleRounds < 1 || c.MaxTitleRounds > 1000 {
		return fmt.Errorf("%w: max_title_rounds %d must be between 1 and 1000", ErrInvalidSessionConfig, c.MaxTitleRounds)
	}
	if c.MaxCoverRounds < 1 || c.MaxCoverRounds > 1000 {
		return fmt.Errorf("%w: max_cover_rounds %d must be between 1 and 1000", ErrInvalidSessionConfig, c.MaxCoverRounds)
	}
	return nil
}

// SessionState is a point-in-time view of a session
type SessionState struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Phase          Phase     `json:"phase"`
	TitleRounds    int       `json:"title_rounds"`
	CoverRounds    int       `json:"cover_rounds"`
	MaxTitleRounds int       `json:"max_title_rounds"`
	MaxCoverRounds int       `json:"max_cover_rounds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubmitResult is returned by SubmitOutcome
type SubmitResult struct {
	Rounds       int           `json:"rounds"`        // Counter of the item type after the vote
	Phase        Phase         `json:"phase"`         // Phase after the vote
	PhaseChanged bool          `json:"phase_changed"` // The vote completed its phase
	Vote         Vote          `json:"vote"`
	Scores       OutcomeScores `json:"scores"`
}

// Session walks one participant through the title comparisons and then the
// cover comparisons. Local scores live on the session's own scoreboard so
// concurrent participants never see each other's local ratings.
type Session struct {
	id        string
	catalog   *Catalog
	identity  Identity
	config    SessionConfig
	board     *Scoreboard
	createdAt time.Time

	mutex       sync.Mutex
	rng         *rand.Rand
	phase       Phase
	titleRounds int
	coverRounds int
	updatedAt   time.Time
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithRand sets the random source used for pair draws
func WithRand(rng *rand.Rand) SessionOption {
	return func(s *Session) { s.rng = rng }
}

// NewSession starts a session in the title phase with every local score at
// the initial rating.
func NewSession(catalog *Catalog, identity Identity, config SessionConfig, opts ...SessionOption) (*Session, error) {
	if catalog == nil {
		return nil, errors.New("session requires a catalog")
	}
	if identity == nil {
		identity = UserID("")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Session{
		id:        uuid.NewString(),
		catalog:   catalog,
		identity:  identity,
		config:    config,
		board:     NewScoreboard(catalog.Engine().InitialRating),
		createdAt: now,
		updatedAt: now,
		phase:     TitlePhase,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Board returns the session-local scoreboard.
func (s *Session) Board() *Scoreboard {
	return s.board
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.phase
}

// State returns a snapshot of the session counters.
func (s *Session) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	userID, _ := s.identity.CurrentUserID()
	return SessionState{
		ID:             s.id,
		UserID:         userID,
		Phase:          s.phase,
		TitleRounds:    s.titleRounds,
		CoverRounds:    s.coverRounds,
		MaxTitleRounds: s.config.MaxTitleRounds,
		MaxCoverRounds: s.config.MaxCoverRounds,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
}

// UpdatedAt returns the time of the last vote or creation.
func (s *Session) UpdatedAt() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.updatedAt
}

// checkPhaseInternal reports whether kind may be compared now (caller must hold mutex)
func (s *Session) checkPhaseInternal(kind ItemKind) error {
	if kind != KindTitle && kind != KindCover {
		return fmt.Errorf("%w: %q", ErrInvalidItemKind, kind)
	}
	current, ok := s.phase.Kind()
	if !ok {
		return ErrSessionComplete
	}
	if current != kind {
		return fmt.Errorf("%w: %s requested during %s phase", ErrWrongPhase, kind, s.phase)
	}
	return nil
}

// NextPair draws two distinct active items of kind uniformly at random.
// ok is false when fewer than two items are active; that is not an error.
func (s *Session) NextPair(kind ItemKind) (a, b Item, ok bool, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkPhaseInternal(kind); err != nil {
		return Item{}, Item{}, false, err
	}
	reg, err := s.catalog.Registry(kind)
	if err != nil {
		return Item{}, Item{}, false, err
	}

	active := reg.ActiveItems()
	if len(active) < 2 {
		return Item{}, Item{}, false, nil
	}
	i := s.rng.IntN(len(active))
	j := s.rng.IntN(len(active) - 1)
	if j >= i {
		j++
	}
	a, b = active[i], active[j]
	a.LocalScore = s.board.Score(a.ID)
	b.LocalScore = s.board.Score(b.ID)
	return a, b, true, nil
}

// SubmitOutcome records that winnerID beat loserID. The whole submission
// either happens (scores, vote log entry, round counter and any phase change)
// or, on error, none of it does.
func (s *Session) SubmitOutcome(ctx context.Context, kind ItemKind, winnerID, loserID string) (SubmitResult, error) {
	userID, ok := s.identity.CurrentUserID()
	if !ok {
		return SubmitResult{}, ErrNoActiveUser
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkPhaseInternal(kind); err != nil {
		return SubmitResult{}, err
	}

	vote, scores, err := s.catalog.ApplyOutcome(ctx, Vote{
		UserID:       userID,
		SessionID:    s.id,
		ItemType:     kind,
		WinnerItemID: winnerID,
		LoserItemID:  loserID,
	}, s.board)
	if err != nil {
		return SubmitResult{}, err
	}

	res := SubmitResult{Vote: vote, Scores: scores}
	switch kind {
	case KindTitle:
		s.titleRounds++
		res.Rounds = s.titleRounds
		if s.titleRounds >= s.config.MaxTitleRounds {
			s.phase = CoverPhase
			res.PhaseChanged = true
		}
	case KindCover:
		s.coverRounds++
		res.Rounds = s.coverRounds
		if s.coverRounds >= s.config.MaxCoverRounds {
			s.phase = Done
			res.PhaseChanged = true
		}
	}
	res.Phase = s.phase
	s.updatedAt = time.Now().UTC()
	return res, nil
}

// Restart puts the session back in the title phase with zero counters and
// every local score at the initial rating. Global scores are untouched.
func (s *Session) Restart() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.board.Reset()
	s.phase = TitlePhase
	s.titleRounds, s.coverRounds = 0, 0
	s.updatedAt = time.Now().UTC()
}

// Rankings returns active items of kind ordered by this session's local scores.
func (s *Session) Rankings(kind ItemKind) ([]Item, error) {
	return s.catalog.Rankings(kind, ByLocal, s.board)
}
