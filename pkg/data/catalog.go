package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/pashagolub/bookvote/pkg/elo"
)

// Change describes a state change that affects rankings
type Change struct {
	Reason string   `json:"reason"`
	Kind   ItemKind `json:"kind,omitempty"`
	Round  int      `json:"round"`
}

// Change reasons
const (
	ChangeVote       = "vote"
	ChangeItems      = "items"
	ChangeNewRound   = "new_round"
	ChangeReset      = "reset"
	ChangeVotesClear = "votes_cleared"
)

// Catalog ties the item registries and the vote log to persistent storage
// and serializes administrative resets against vote submissions.
type Catalog struct {
	engine  *elo.Engine
	store   Store
	logger  *slog.Logger
	auditor Auditor

	registries map[ItemKind]*Registry
	votes      *VoteLog

	// shared for votes and item changes, exclusive for resets
	resetMu sync.RWMutex
	round   Round

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

// CatalogOption configures a Catalog
type CatalogOption func(*Catalog)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = logger }
}

// WithAuditor records every state change in an audit trail
func WithAuditor(a Auditor) CatalogOption {
	return func(c *Catalog) { c.auditor = a }
}

// NewCatalog loads items, votes and the active round from store.
func NewCatalog(ctx context.Context, engine *elo.Engine, store Store, opts ...CatalogOption) (*Catalog, error) {
	if engine == nil || store == nil {
		return nil, errors.New("catalog requires an engine and a store")
	}
	c := &Catalog{
		engine:     engine,
		store:      store,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		registries: make(map[ItemKind]*Registry, len(Kinds)),
		votes:      NewVoteLog(),
	}
	for _, kind := range Kinds {
		c.registries[kind] = NewRegistry(kind, engine)
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscribe registers fn to be called after every change.
func (c *Catalog) Subscribe(fn func(Change)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Catalog) notify(change Change) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, fn := range c.listeners {
		fn(change)
	}
}

func (c *Catalog) audit(event string, data map[string]any) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.Record(event, data); err != nil {
		c.logger.Warn("audit record failed", "event", event, "error", err)
	}
}

// Engine returns the rating engine.
func (c *Catalog) Engine() *elo.Engine {
	return c.engine
}

// Store returns the persistence collaborator.
func (c *Catalog) Store() Store {
	return c.store
}

// Registry returns the registry for kind.
func (c *Catalog) Registry(kind ItemKind) (*Registry, error) {
	r, ok := c.registries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItemKind, kind)
	}
	return r, nil
}

// Refresh reloads items, votes and the active round from storage, keeping
// registry-local scores.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	return c.refreshInternal(ctx)
}

func (c *Catalog) refreshInternal(ctx context.Context) error {
	for _, kind := range Kinds {
		if err := c.refreshKind(ctx, kind); err != nil {
			return err
		}
	}
	votes, err := c.store.LoadVotes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load votes: %w", err)
	}
	c.votes.Load(votes)

	round, err := c.store.CurrentRound(ctx)
	if err != nil {
		return fmt.Errorf("failed to load voting round: %w", err)
	}
	c.round = round
	return nil
}

func (c *Catalog) refreshKind(ctx context.Context, kind ItemKind) error {
	items, err := c.store.LoadItems(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to load %s items: %w", kind, err)
	}
	reg := c.registries[kind]
	for i := range items {
		if cur, ok := reg.Get(items[i].ID); ok {
			items[i].LocalScore = cur.LocalScore
		} else {
			items[i].LocalScore = c.engine.InitialRating
		}
	}
	return reg.Replace(items)
}

// CurrentRound returns the active voting round.
func (c *Catalog) CurrentRound() Round {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	return c.round
}

// Votes returns the vote log in chronological order.
func (c *Catalog) Votes() []Vote {
	return c.votes.All()
}

// AddItem creates and persists a new active item.
func (c *Catalog) AddItem(ctx context.Context, kind ItemKind, payload string) (Item, error) {
	reg, err := c.Registry(kind)
	if err != nil {
		return Item{}, err
	}
	item, err := NewItem(kind, payload, c.engine.InitialRating)
	if err != nil {
		return Item{}, err
	}

	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	if err := c.store.InsertItem(ctx, item); err != nil {
		return Item{}, fmt.Errorf("failed to persist item: %w", err)
	}
	if err := reg.Insert(item); err != nil {
		return Item{}, err
	}

	c.logger.Info("item added", "kind", kind, "id", item.ID)
	c.audit(EventItemAdded, map[string]any{"kind": string(kind), "item_id": item.ID, "payload": item.Payload})
	c.notify(Change{Reason: ChangeItems, Kind: kind, Round: c.round.Number})
	return item, nil
}

// Seed adds the seed items whose payload is not present yet and returns how
// many were added.
func (c *Catalog) Seed(ctx context.Context, items []SeedItem) (int, error) {
	existing := make(map[ItemKind]map[string]bool, len(Kinds))
	for _, kind := range Kinds {
		existing[kind] = make(map[string]bool)
		for _, it := range c.registries[kind].Items() {
			existing[kind][it.Payload] = true
		}
	}

	added := 0
	for _, s := range items {
		if existing[s.Kind] == nil {
			return added, fmt.Errorf("%w: %q", ErrInvalidItemKind, s.Kind)
		}
		if existing[s.Kind][s.Payload] {
			continue
		}
		if _, err := c.AddItem(ctx, s.Kind, s.Payload); err != nil {
			return added, err
		}
		existing[s.Kind][s.Payload] = true
		added++
	}
	return added, nil
}

// DeactivateItem removes an item from future pair draws. Its votes stay in the log.
func (c *Catalog) DeactivateItem(ctx context.Context, kind ItemKind, id string) error {
	return c.setActive(ctx, kind, id, false)
}

func (c *Catalog) setActive(ctx context.Context, kind ItemKind, id string, active bool) error {
	reg, err := c.Registry(kind)
	if err != nil {
		return err
	}

	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	found, err := reg.SetActiveWith(id, active, func(Item) error {
		return c.store.SetItemActive(ctx, kind, id, active)
	})
	if !found {
		return fmt.Errorf("%w: %s %s", ErrItemNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to persist active flag: %w", err)
	}

	event := EventItemDeactivated
	if active {
		event = EventItemReactivated
	}
	c.logger.Info("item active flag changed", "kind", kind, "id", id, "active", active)
	c.audit(event, map[string]any{"kind": string(kind), "item_id": id})
	c.notify(Change{Reason: ChangeItems, Kind: kind, Round: c.round.Number})
	return nil
}

// ReplaceResult counts the changes made by ReplaceItems
type ReplaceResult struct {
	Added       int `json:"added"`
	Reactivated int `json:"reactivated"`
	Deactivated int `json:"deactivated"`
}

// ReplaceItems makes payloads the active set of kind. Active items not listed
// are deactivated, listed inactive items are activated again and unknown
// payloads are added. Scores and votes of existing items are kept.
func (c *Catalog) ReplaceItems(ctx context.Context, kind ItemKind, payloads []string) (ReplaceResult, error) {
	reg, err := c.Registry(kind)
	if err != nil {
		return ReplaceResult{}, err
	}

	wanted := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		wanted[p] = true
	}

	items := reg.Items()
	known := make(map[string]bool, len(items))
	for _, it := range items {
		if it.IsActive {
			known[it.Payload] = true
		}
	}

	var res ReplaceResult
	for _, it := range items {
		switch {
		case it.IsActive && !wanted[it.Payload]:
			if err := c.setActive(ctx, kind, it.ID, false); err != nil {
				return res, err
			}
			res.Deactivated++
		case !it.IsActive && wanted[it.Payload] && !known[it.Payload]:
			known[it.Payload] = true
			if err := c.setActive(ctx, kind, it.ID, true); err != nil {
				return res, err
			}
			res.Reactivated++
		}
	}
	for _, p := range payloads {
		if known[p] {
			continue
		}
		if _, err := c.AddItem(ctx, kind, p); err != nil {
			return res, err
		}
		known[p] = true
		res.Added++
	}
	return res, nil
}

// ApplyOutcome applies a vote to the registry of its item type, persists the
// updated items together with the vote and appends it to the log. Local
// scores are taken from board, or from the registry when board is nil.
// Nothing is changed when any step fails.
func (c *Catalog) ApplyOutcome(ctx context.Context, vote Vote, board *Scoreboard) (Vote, OutcomeScores, error) {
	reg, err := c.Registry(vote.ItemType)
	if err != nil {
		return Vote{}, OutcomeScores{}, err
	}

	vote, scores, err := c.applyOutcome(ctx, reg, vote, board)
	if err != nil {
		switch {
		case errors.Is(err, ErrItemNotFound):
			c.logger.Error("vote references unknown item", "kind", vote.ItemType,
				"winner", vote.WinnerItemID, "loser", vote.LoserItemID, "error", err)
		case errors.Is(err, ErrStaleWrite):
			c.logger.Warn("stale item version, reloading", "kind", vote.ItemType, "error", err)
			if rerr := c.refreshKindShared(ctx, vote.ItemType); rerr != nil {
				c.logger.Error("reload after stale write failed", "error", rerr)
			}
		case errors.Is(err, ErrRoundClosed):
			// another process started a round; pick it up so a retry succeeds
			c.logger.Warn("voting round closed elsewhere, reloading", "round", vote.Round, "error", err)
			if rerr := c.Refresh(ctx); rerr != nil {
				c.logger.Error("reload after closed round failed", "error", rerr)
			} else {
				c.notify(Change{Reason: ChangeNewRound, Round: c.CurrentRound().Number})
			}
		}
		return Vote{}, OutcomeScores{}, err
	}

	c.logger.Debug("vote recorded", "id", vote.ID, "kind", vote.ItemType, "user", vote.UserID)
	c.audit(EventVoteRecorded, map[string]any{
		"vote_id":       vote.ID,
		"user_id":       vote.UserID,
		"item_type":     string(vote.ItemType),
		"winner_id":     vote.WinnerItemID,
		"loser_id":      vote.LoserItemID,
		"round":         vote.Round,
		"winner_global": scores.WinnerGlobal,
		"loser_global":  scores.LoserGlobal,
	})
	c.notify(Change{Reason: ChangeVote, Kind: vote.ItemType, Round: vote.Round})
	return vote, scores, nil
}

func (c *Catalog) applyOutcome(ctx context.Context, reg *Registry, vote Vote, board *Scoreboard) (Vote, OutcomeScores, error) {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	vote.Round = c.round.Number
	scores, err := reg.ApplyOutcomeWith(board, vote.WinnerItemID, vote.LoserItemID, func(winner, loser Item) error {
		vote.LocalWinnerScore = winner.LocalScore
		vote.LocalLoserScore = loser.LocalScore
		// committed under the item locks so the log order matches the order
		// in which scores changed
		committed, err := c.votes.Commit(vote, func(v Vote) error {
			return c.store.PersistOutcome(ctx, winner, loser, v)
		})
		if err != nil {
			return err
		}
		vote = committed
		return nil
	})
	return vote, scores, err
}

func (c *Catalog) refreshKindShared(ctx context.Context, kind ItemKind) error {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	return c.refreshKind(ctx, kind)
}

// NewRound closes the active round and starts the next one with global
// scores and vote counts reset. The vote log is preserved.
func (c *Catalog) NewRound(ctx context.Context) (Round, error) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	round, err := c.store.StartRound(ctx, c.engine.InitialRating)
	if err != nil {
		return Round{}, fmt.Errorf("failed to start round: %w", err)
	}
	for _, kind := range Kinds {
		c.registries[kind].ResetForNewRound()
	}
	c.round = round

	c.logger.Info("voting round started", "round", round.Number)
	c.audit(EventRoundStarted, map[string]any{"round": round.Number})
	c.notify(Change{Reason: ChangeNewRound, Round: round.Number})
	return round, nil
}

// ResetScores resets global scores and vote counts of every item without
// touching the vote log or the round.
func (c *Catalog) ResetScores(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	for _, kind := range Kinds {
		if err := c.store.PersistBulkReset(ctx, kind, c.engine.InitialRating); err != nil {
			// part of the reset may be stored already
			if rerr := c.refreshInternal(ctx); rerr != nil {
				c.logger.Error("reload after failed reset", "error", rerr)
			}
			return fmt.Errorf("failed to reset %s scores: %w", kind, err)
		}
	}
	for _, kind := range Kinds {
		c.registries[kind].ResetForNewRound()
	}

	c.logger.Info("scores reset", "round", c.round.Number)
	c.audit(EventScoresReset, map[string]any{"round": c.round.Number})
	c.notify(Change{Reason: ChangeReset, Round: c.round.Number})
	return nil
}

// ClearVotes deletes the vote log. Scores are left as they are.
func (c *Catalog) ClearVotes(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	n := c.votes.Len()
	if err := c.store.ClearVotes(ctx); err != nil {
		return fmt.Errorf("failed to clear votes: %w", err)
	}
	c.votes.Clear()

	c.logger.Info("votes cleared", "count", n)
	c.audit(EventVotesCleared, map[string]any{"count": n})
	c.notify(Change{Reason: ChangeVotesClear, Round: c.round.Number})
	return nil
}

// HardReset erases votes, survey answers and rounds and resets every score.
// Items and user profiles are kept.
func (c *Catalog) HardReset(ctx context.Context) (Round, error) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	round, err := c.store.HardReset(ctx, c.engine.InitialRating)
	if err != nil {
		if rerr := c.refreshInternal(ctx); rerr != nil {
			c.logger.Error("reload after failed hard reset", "error", rerr)
		}
		return Round{}, fmt.Errorf("failed to hard reset: %w", err)
	}
	for _, kind := range Kinds {
		c.registries[kind].ResetForNewRound()
		c.registries[kind].ResetLocalForNewSession()
	}
	c.votes.Clear()
	c.round = round

	c.logger.Warn("hard reset performed", "round", round.Number)
	c.audit(EventHardReset, map[string]any{"round": round.Number})
	c.notify(Change{Reason: ChangeReset, Round: round.Number})
	return round, nil
}

// Rankings returns the active items of kind ordered by score descending.
func (c *Catalog) Rankings(kind ItemKind, key ScoreKey, board *Scoreboard) ([]Item, error) {
	reg, err := c.Registry(kind)
	if err != nil {
		return nil, err
	}
	return reg.Ranked(key, board), nil
}

// KindStats summarizes one item kind
type KindStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Votes  int `json:"votes"`
}

// Stats summarizes the catalog for administrators
type Stats struct {
	Round      int                    `json:"round"`
	Kinds      map[ItemKind]KindStats `json:"kinds"`
	TotalVotes int                    `json:"total_votes"`
	Voters     int                    `json:"voters"`
}

// Stats returns counters for the admin dashboard.
func (c *Catalog) Stats() Stats {
	st := Stats{Round: c.CurrentRound().Number, Kinds: make(map[ItemKind]KindStats, len(Kinds))}
	votes := c.votes.All()
	voters := make(map[string]struct{})
	perKind := make(map[ItemKind]int)
	for _, v := range votes {
		perKind[v.ItemType]++
		voters[v.UserID] = struct{}{}
	}
	for _, kind := range Kinds {
		reg := c.registries[kind]
		st.Kinds[kind] = KindStats{
			Total:  reg.Len(),
			Active: len(reg.ActiveItems()),
			Votes:  perKind[kind],
		}
	}
	st.TotalVotes = len(votes)
	st.Voters = len(voters)
	return st
}

// Mismatch is an item whose stored score differs from the replayed one
type Mismatch struct {
	Kind          ItemKind `json:"kind"`
	ItemID        string   `json:"item_id"`
	StoredScore   float64  `json:"stored_score"`
	ReplayedScore float64  `json:"replayed_score"`
	StoredVotes   int      `json:"stored_votes"`
	ReplayedVotes int      `json:"replayed_votes"`
}

// VerifyReport is the result of replaying the vote log
type VerifyReport struct {
	Round      int        `json:"round"`
	Votes      int        `json:"votes"`
	Items      int        `json:"items"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// OK reports whether every item matched.
func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Verify replays the votes of the active round from the initial rating and
// compares the result with the current global scores and vote counts.
func (c *Catalog) Verify() (VerifyReport, error) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	report := VerifyReport{Round: c.round.Number}
	for _, kind := range Kinds {
		items := c.registries[kind].Items()
		seed := make([]string, len(items))
		for i, item := range items {
			seed[i] = item.ID
		}

		var outcomes []elo.Outcome
		for _, v := range c.votes.Filter(func(v Vote) bool { return v.ItemType == kind && v.Round == c.round.Number }) {
			outcomes = append(outcomes, elo.Outcome{WinnerID: v.WinnerItemID, LoserID: v.LoserItemID})
		}
		report.Votes += len(outcomes)

		replayed, err := c.engine.Replay(seed, outcomes)
		if err != nil {
			return report, fmt.Errorf("failed to replay %s votes: %w", kind, err)
		}
		for _, item := range items {
			report.Items++
			r := replayed[item.ID]
			if math.Abs(r.Score-item.GlobalScore) > 1e-6 || r.Games != item.VoteCount {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind:          kind,
					ItemID:        item.ID,
					StoredScore:   item.GlobalScore,
					ReplayedScore: r.Score,
					StoredVotes:   item.VoteCount,
					ReplayedVotes: r.Games,
				})
			}
		}
	}
	return report, nil
}

// RegisterUser creates and stores a participant.
func (c *Catalog) RegisterUser(ctx context.Context, name string) (User, error) {
	user, err := NewUser(name)
	if err != nil {
		return User{}, err
	}
	if err := c.store.CreateUser(ctx, user); err != nil {
		return User{}, fmt.Errorf("failed to store user: %w", err)
	}
	c.audit(EventUserRegistered, map[string]any{"user_id": user.ID})
	return user, nil
}

// User returns a stored participant.
func (c *Catalog) User(ctx context.Context, id string) (User, error) {
	return c.store.GetUser(ctx, id)
}

// Users returns every participant.
func (c *Catalog) Users(ctx context.Context) ([]User, error) {
	return c.store.ListUsers(ctx)
}

// Surveys returns every stored survey answer.
func (c *Catalog) Surveys(ctx context.Context) ([]SurveyAnswers, error) {
	return c.store.ListSurveys(ctx)
}

// CompleteStep records that a participant finished step.
func (c *Catalog) CompleteStep(ctx context.Context, userID string, step Step) (User, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := user.Advance(step); err != nil {
		return User{}, err
	}
	if err := c.store.UpdateUser(ctx, user); err != nil {
		return User{}, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// SubmitSurvey stores survey answers and completes the survey step.
func (c *Catalog) SubmitSurvey(ctx context.Context, answers SurveyAnswers) (User, error) {
	if err := answers.Validate(); err != nil {
		return User{}, err
	}
	user, err := c.store.GetUser(ctx, answers.UserID)
	if err != nil {
		return User{}, err
	}
	if err := user.Advance(StepSurvey); err != nil {
		return User{}, err
	}
	if err := c.store.SaveSurvey(ctx, answers); err != nil {
		return User{}, fmt.Errorf("failed to store survey: %w", err)
	}
	if err := c.store.UpdateUser(ctx, user); err != nil {
		return User{}, fmt.Errorf("failed to update user: %w", err)
	}
	c.audit(EventSurveySubmitted, map[string]any{"user_id": user.ID, "interest_level": answers.InterestLevel})
	return user, nil
}

// SubmitFeedback stores the participant's closing feedback.
func (c *Catalog) SubmitFeedback(ctx context.Context, userID, feedback string) (User, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := user.Advance(StepFeedback); err != nil {
		return User{}, err
	}
	user.Feedback = strings.TrimSpace(feedback)
	if err := c.store.UpdateUser(ctx, user); err != nil {
		return User{}, fmt.Errorf("failed to update user: %w", err)
	}
	c.audit(EventFeedbackGiven, map[string]any{"user_id": user.ID})
	return user, nil
}
