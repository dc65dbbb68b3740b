package data

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the complete content of a MemoryStore
type Snapshot struct {
	Items   []Item          `json:"items"`
	Votes   []Vote          `json:"votes"`
	Rounds  []Round         `json:"rounds"`
	Users   []User          `json:"users"`
	Surveys []SurveyAnswers `json:"surveys"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Items:   append([]Item(nil), s.Items...),
		Votes:   append([]Vote(nil), s.Votes...),
		Rounds:  append([]Round(nil), s.Rounds...),
		Users:   append([]User(nil), s.Users...),
		Surveys: append([]SurveyAnswers(nil), s.Surveys...),
	}
}

// MemoryStore is a Store kept in process memory. An optional commit hook
// runs after every mutation; when it fails the mutation is rolled back.
type MemoryStore struct {
	mu     sync.Mutex
	state  Snapshot
	commit func(Snapshot) error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFrom creates a store holding snap, calling commit after every change.
func NewMemoryStoreFrom(snap Snapshot, commit func(Snapshot) error) *MemoryStore {
	return &MemoryStore{state: snap.clone(), commit: commit}
}

// Snapshot returns a copy of the store content.
func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// mutate runs fn on the state and commits it (caller must not hold mutex)
func (m *MemoryStore) mutate(fn func(*Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.state.clone()
	if err := fn(&m.state); err != nil {
		m.state = before
		return err
	}
	if m.commit != nil {
		if err := m.commit(m.state.clone()); err != nil {
			m.state = before
			return err
		}
	}
	return nil
}

func (s *Snapshot) itemIndex(kind ItemKind, id string) int {
	for i := range s.Items {
		if s.Items[i].Kind == kind && s.Items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Snapshot) activeRoundIndex() int {
	for i := range s.Rounds {
		if s.Rounds[i].Active {
			return i
		}
	}
	return -1
}

func (s *Snapshot) resetScores(kind ItemKind, initialRating float64) {
	for i := range s.Items {
		if kind == "" || s.Items[i].Kind == kind {
			s.Items[i].GlobalScore = initialRating
			s.Items[i].VoteCount = 0
			s.Items[i].Version++
		}
	}
}

// LoadItems implements ItemStore
func (m *MemoryStore) LoadItems(_ context.Context, kind ItemKind) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, it := range m.state.Items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out, nil
}

// InsertItem implements ItemStore
func (m *MemoryStore) InsertItem(_ context.Context, item Item) error {
	return m.mutate(func(s *Snapshot) error {
		if s.itemIndex(item.Kind, item.ID) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		s.Items = append(s.Items, item)
		return nil
	})
}

// SetItemActive implements ItemStore
func (m *MemoryStore) SetItemActive(_ context.Context, kind ItemKind, id string, active bool) error {
	return m.mutate(func(s *Snapshot) error {
		i := s.itemIndex(kind, id)
		if i < 0 {
			return fmt.Errorf("%w: %s %s", ErrItemNotFound, kind, id)
		}
		s.Items[i].IsActive = active
		return nil
	})
}

// LoadVotes implements VoteStore
func (m *MemoryStore) LoadVotes(context.Context) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Vote(nil), m.state.Votes...), nil
}

// PersistOutcome implements VoteStore
func (m *MemoryStore) PersistOutcome(_ context.Context, winner, loser Item, vote Vote) error {
	return m.mutate(func(s *Snapshot) error {
		r := s.activeRoundIndex()
		if r < 0 || s.Rounds[r].Number != vote.Round {
			return fmt.Errorf("%w: round %d", ErrRoundClosed, vote.Round)
		}
		for _, it := range []Item{winner, loser} {
			i := s.itemIndex(it.Kind, it.ID)
			if i < 0 {
				return fmt.Errorf("%w: %s %s", ErrItemNotFound, it.Kind, it.ID)
			}
			if s.Items[i].Version != it.Version-1 {
				return fmt.Errorf("%w: %s %s at version %d, expected %d", ErrStaleWrite, it.Kind, it.ID, s.Items[i].Version, it.Version-1)
			}
			s.Items[i].GlobalScore = it.GlobalScore
			s.Items[i].VoteCount = it.VoteCount
			s.Items[i].Version = it.Version
		}
		s.Votes = append(s.Votes, vote)
		return nil
	})
}

// ClearVotes implements VoteStore
func (m *MemoryStore) ClearVotes(context.Context) error {
	return m.mutate(func(s *Snapshot) error {
		s.Votes = nil
		return nil
	})
}

// CurrentRound implements RoundStore
func (m *MemoryStore) CurrentRound(context.Context) (Round, error) {
	var round Round
	err := m.mutate(func(s *Snapshot) error {
		if i := s.activeRoundIndex(); i >= 0 {
			round = s.Rounds[i]
			return nil
		}
		round = Round{Number: len(s.Rounds) + 1, StartedAt: time.Now().UTC(), Active: true}
		s.Rounds = append(s.Rounds, round)
		return nil
	})
	return round, err
}

// StartRound implements RoundStore
func (m *MemoryStore) StartRound(_ context.Context, initialRating float64) (Round, error) {
	var round Round
	err := m.mutate(func(s *Snapshot) error {
		number := 0
		for i := range s.Rounds {
			if s.Rounds[i].Number > number {
				number = s.Rounds[i].Number
			}
			s.Rounds[i].Active = false
		}
		round = Round{Number: number + 1, StartedAt: time.Now().UTC(), Active: true}
		s.Rounds = append(s.Rounds, round)
		s.resetScores("", initialRating)
		return nil
	})
	return round, err
}

// PersistBulkReset implements RoundStore
func (m *MemoryStore) PersistBulkReset(_ context.Context, kind ItemKind, initialRating float64) error {
	return m.mutate(func(s *Snapshot) error {
		s.resetScores(kind, initialRating)
		return nil
	})
}

// HardReset implements RoundStore
func (m *MemoryStore) HardReset(_ context.Context, initialRating float64) (Round, error) {
	var round Round
	err := m.mutate(func(s *Snapshot) error {
		s.Votes = nil
		s.Surveys = nil
		round = Round{Number: 1, StartedAt: time.Now().UTC(), Active: true}
		s.Rounds = []Round{round}
		s.resetScores("", initialRating)
		return nil
	})
	return round, err
}

// CreateUser implements UserStore
func (m *MemoryStore) CreateUser(_ context.Context, user User) error {
	return m.mutate(func(s *Snapshot) error {
		for _, u := range s.Users {
			if u.ID == user.ID {
				return fmt.Errorf("%w: duplicate id %s", ErrInvalidUser, user.ID)
			}
		}
		s.Users = append(s.Users, user)
		return nil
	})
}

// GetUser implements UserStore
func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.state.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
}

// UpdateUser implements UserStore
func (m *MemoryStore) UpdateUser(_ context.Context, user User) error {
	return m.mutate(func(s *Snapshot) error {
		for i := range s.Users {
			if s.Users[i].ID == user.ID {
				s.Users[i] = user
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUserNotFound, user.ID)
	})
}

// ListUsers implements UserStore
func (m *MemoryStore) ListUsers(context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]User(nil), m.state.Users...), nil
}

// SaveSurvey implements UserStore. A second survey replaces the first.
func (m *MemoryStore) SaveSurvey(_ context.Context, answers SurveyAnswers) error {
	if answers.CreatedAt.IsZero() {
		answers.CreatedAt = time.Now().UTC()
	}
	return m.mutate(func(s *Snapshot) error {
		for i := range s.Surveys {
			if s.Surveys[i].UserID == answers.UserID {
				s.Surveys[i] = answers
				return nil
			}
		}
		s.Surveys = append(s.Surveys, answers)
		return nil
	})
}

// ListSurveys implements UserStore
func (m *MemoryStore) ListSurveys(context.Context) ([]SurveyAnswers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SurveyAnswers(nil), m.state.Surveys...), nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
