// Package data holds the voting domain: items and their registries, the vote
// log, participant sessions, users, rounds and the catalog that ties them to
// persistent storage.
package data

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error types for item handling
var (
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidItemKind = errors.New("invalid item kind")
	ErrEmptyPayload    = errors.New("item payload is empty")
	ErrDuplicateItem   = errors.New("duplicate item ID")
)

// ItemKind distinguishes the two kinds of items that share the same rating shape
type ItemKind string

const (
	KindTitle ItemKind = "title" // Payload is the title text
	KindCover ItemKind = "cover" // Payload is an image reference (URL or path)
)

// Kinds lists every item kind in phase order.
var Kinds = []ItemKind{KindTitle, KindCover}

// ParseItemKind converts user input into an ItemKind.
func ParseItemKind(s string) (ItemKind, error) {
	switch ItemKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindTitle, "titles":
		return KindTitle, nil
	case KindCover, "covers":
		return KindCover, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidItemKind, s)
}

// Item is a title or a cover being rated
type Item struct {
	ID          string    `json:"id" yaml:"id"`                     // Stable identifier
	Kind        ItemKind  `json:"kind" yaml:"kind"`                 // title or cover
	Payload     string    `json:"payload" yaml:"payload"`           // Title text or image reference
	GlobalScore float64   `json:"global_score" yaml:"global_score"` // Rating shared by all participants
	LocalScore  float64   `json:"local_score" yaml:"local_score"`   // Rating within the current session
	VoteCount   int       `json:"vote_count" yaml:"vote_count"`     // Outcomes the item took part in
	IsActive    bool      `json:"is_active" yaml:"is_active"`       // Eligible for pair draws
	Version     int64     `json:"version" yaml:"version"`           // Bumped on every persisted score change
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// NewItem creates an active item with default scores.
func NewItem(kind ItemKind, payload string, initialRating float64) (Item, error) {
	if kind != KindTitle && kind != KindCover {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidItemKind, kind)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Item{}, ErrEmptyPayload
	}
	return Item{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		GlobalScore: initialRating,
		LocalScore:  initialRating,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Score returns the global or local score.
func (i Item) Score(key ScoreKey) float64 {
	if key == ByLocal {
		return i.LocalScore
	}
	return i.GlobalScore
}

// ScoreKey selects which score a ranking is ordered by
type ScoreKey int

const (
	ByGlobal ScoreKey = iota
	ByLocal
)
