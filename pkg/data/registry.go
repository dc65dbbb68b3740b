package data

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pashagolub/bookvote/pkg/elo"
)

// OutcomeScores holds the four ratings written by a single outcome
type OutcomeScores struct {
	WinnerGlobal float64 `json:"winner_global"`
	WinnerLocal  float64 `json:"winner_local"`
	LoserGlobal  float64 `json:"loser_global"`
	LoserLocal   float64 `json:"loser_local"`
}

// CommitFunc receives the updated winner and loser before they become
// visible in the registry. Returning an error discards the update.
type CommitFunc func(winner, loser Item) error

// Scoreboard holds session-local ratings keyed by item ID. Items that were
// never scored on the board report the initial rating.
type Scoreboard struct {
	mu      sync.Mutex
	initial float64
	scores  map[string]float64
}

// NewScoreboard returns an empty board where every item starts at initial.
func NewScoreboard(initial float64) *Scoreboard {
	return &Scoreboard{initial: initial, scores: make(map[string]float64)}
}

// Score returns the local rating of an item.
func (b *Scoreboard) Score(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scoreInternal(id)
}

func (b *Scoreboard) scoreInternal(id string) float64 {
	if v, ok := b.scores[id]; ok {
		return v
	}
	return b.initial
}

// Reset puts every item back at the initial rating.
func (b *Scoreboard) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores = make(map[string]float64)
}

// Snapshot returns a copy of the ratings recorded so far.
func (b *Scoreboard) Snapshot() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.scores))
	for k, v := range b.scores {
		out[k] = v
	}
	return out
}

type registryEntry struct {
	mu    sync.Mutex
	item  Item
	order int
}

// Registry owns the items of one kind and their mutable rating state.
//
// Outcomes hold the registry lock in shared mode and lock the two items they
// touch in ID order, so outcomes on disjoint pairs run in parallel while two
// outcomes sharing an item are serialized. Resets and structural changes take
// the registry lock exclusively and therefore wait for in-flight outcomes.
type Registry struct {
	kind   ItemKind
	engine *elo.Engine

	mu      sync.RWMutex
	entries map[string]*registryEntry
	next    int
}

// NewRegistry creates an empty registry for one item kind
func NewRegistry(kind ItemKind, engine *elo.Engine) *Registry {
	return &Registry{
		kind:    kind,
		engine:  engine,
		entries: make(map[string]*registryEntry),
	}
}

// Kind returns the item kind held by the registry.
func (r *Registry) Kind() ItemKind {
	return r.kind
}

// Add creates a new active item with default scores.
func (r *Registry) Add(payload string) (Item, error) {
	item, err := NewItem(r.kind, payload, r.engine.InitialRating)
	if err != nil {
		return Item{}, err
	}
	if err := r.Insert(item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Insert adds an existing item, e.g. one loaded from storage.
func (r *Registry) Insert(item Item) error {
	if item.Kind != r.kind {
		return fmt.Errorf("%w: %s registry cannot hold %q", ErrInvalidItemKind, r.kind, item.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertInternal(item)
}

func (r *Registry) insertInternal(item Item) error {
	if _, exists := r.entries[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}
	r.entries[item.ID] = &registryEntry{item: item, order: r.next}
	r.next++
	return nil
}

// Replace swaps the registry content for items, keeping their order.
func (r *Registry) Replace(items []Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*registryEntry, len(items))
	r.next = 0
	for _, item := range items {
		if item.Kind != r.kind {
			return fmt.Errorf("%w: %s registry cannot hold %q", ErrInvalidItemKind, r.kind, item.Kind)
		}
		if err := r.insertInternal(item); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate excludes an item from future pair draws. Unknown IDs are ignored;
// the return value reports whether the item exists.
func (r *Registry) Deactivate(id string) bool {
	found, _ := r.SetActiveWith(id, false, nil)
	return found
}

// SetActiveWith sets the active flag of an item. commit runs before the flag
// flips; when it fails the item is left as it was.
func (r *Registry) SetActiveWith(id string, active bool, commit func(Item) error) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	updated := e.item
	updated.IsActive = active
	if commit != nil {
		if err := commit(updated); err != nil {
			return true, err
		}
	}
	e.item.IsActive = active
	return true, nil
}

// Get returns a copy of the item with the given ID.
func (r *Registry) Get(id string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Item{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item, true
}

// Len returns the number of items, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Items returns every item in insertion order.
func (r *Registry) Items() []Item {
	return r.collect(func(Item) bool { return true })
}

// ActiveItems returns the items eligible for pair draws in insertion order.
func (r *Registry) ActiveItems() []Item {
	return r.collect(func(i Item) bool { return i.IsActive })
}

func (r *Registry) collect(keep func(Item) bool) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		item := e.item
		e.mu.Unlock()
		if keep(item) {
			items = append(items, item)
		}
	}
	return items
}

// Ranked returns active items sorted by score descending, ties in insertion
// order. With a board, local scores come from the board.
func (r *Registry) Ranked(key ScoreKey, board *Scoreboard) []Item {
	items := r.ActiveItems()
	if board != nil {
		for i := range items {
			items[i].LocalScore = board.Score(items[i].ID)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score(key) > items[j].Score(key)
	})
	return items
}

// ApplyOutcome records that winnerID beat loserID, updating global and local
// scores and both vote counts.
func (r *Registry) ApplyOutcome(winnerID, loserID string) (OutcomeScores, error) {
	return r.ApplyOutcomeWith(nil, winnerID, loserID, nil)
}

// ApplyOutcomeWith is ApplyOutcome with local scores read from and written
// to board (the registry's own local scores when board is nil) and a commit
// hook that must succeed before anything changes.
func (r *Registry) ApplyOutcomeWith(board *Scoreboard, winnerID, loserID string, commit CommitFunc) (OutcomeScores, error) {
	if winnerID == loserID {
		return OutcomeScores{}, fmt.Errorf("%w: %s", elo.ErrSameItem, winnerID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.entries[winnerID]
	if !ok {
		return OutcomeScores{}, fmt.Errorf("%w: %s %s", ErrItemNotFound, r.kind, winnerID)
	}
	l, ok := r.entries[loserID]
	if !ok {
		return OutcomeScores{}, fmt.Errorf("%w: %s %s", ErrItemNotFound, r.kind, loserID)
	}

	first, second := w, l
	if loserID < winnerID {
		first, second = l, w
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	winner, loser := w.item, l.item
	if board != nil {
		winner.LocalScore = board.Score(winnerID)
		loser.LocalScore = board.Score(loserID)
	}

	newWinnerGlobal, newLoserGlobal, err := r.engine.Update(winner.GlobalScore, loser.GlobalScore)
	if err != nil {
		return OutcomeScores{}, fmt.Errorf("global scores: %w", err)
	}
	newWinnerLocal, newLoserLocal, err := r.engine.Update(winner.LocalScore, loser.LocalScore)
	if err != nil {
		return OutcomeScores{}, fmt.Errorf("local scores: %w", err)
	}

	winner.GlobalScore, winner.LocalScore = newWinnerGlobal, newWinnerLocal
	loser.GlobalScore, loser.LocalScore = newLoserGlobal, newLoserLocal
	winner.VoteCount++
	loser.VoteCount++
	winner.Version++
	loser.Version++

	if commit != nil {
		if err := commit(winner, loser); err != nil {
			return OutcomeScores{}, err
		}
	}

	if board != nil {
		board.mu.Lock()
		board.scores[winnerID] = newWinnerLocal
		board.scores[loserID] = newLoserLocal
		board.mu.Unlock()
		// the registry keeps its own local scores
		winner.LocalScore = w.item.LocalScore
		loser.LocalScore = l.item.LocalScore
	}
	w.item, l.item = winner, loser

	return OutcomeScores{
		WinnerGlobal: newWinnerGlobal,
		WinnerLocal:  newWinnerLocal,
		LoserGlobal:  newLoserGlobal,
		LoserLocal:   newLoserLocal,
	}, nil
}

// ResetForNewRound sets every global score to the initial rating and every
// vote count to zero. Local scores and active flags are untouched.
func (r *Registry) ResetForNewRound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.item.GlobalScore = r.engine.InitialRating
		e.item.VoteCount = 0
		e.item.Version++
	}
}

// ResetLocalForNewSession sets every local score to the initial rating.
func (r *Registry) ResetLocalForNewSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.item.LocalScore = r.engine.InitialRating
	}
}
