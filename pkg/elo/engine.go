// Package elo provides the Elo rating update used to turn pairwise
// "A beats B" outcomes into continuously updated item scores.
package elo

import (
	"errors"
	"math"
	"time"
)

// Error types for validation
var (
	ErrInvalidRating  = errors.New("rating value is invalid")
	ErrInvalidKFactor = errors.New("k-factor must be positive")
	ErrSameItem       = errors.New("winner and loser must be different items")
)

// Default engine parameters
const (
	DefaultInitialRating = 1000.0
	DefaultKFactor       = 32
)

// Rating represents an item's rating information
type Rating struct {
	ID    string  // Unique item identifier
	Score float64 // Current Elo rating
	Games int     // Number of comparisons participated in
}

// RatingUpdate represents an individual rating change record
type RatingUpdate struct {
	ItemID    string  // Item being updated
	OldRating float64 // Rating before comparison
	NewRating float64 // Rating after comparison
	Delta     float64 // Change in rating (NewRating - OldRating)
	KFactor   int     // K-factor used for this update
}

// ComparisonResult represents the result of a rating calculation with audit information
type ComparisonResult struct {
	Winner    RatingUpdate
	Loser     RatingUpdate
	Timestamp time.Time     // When calculation was performed
	Duration  time.Duration // Time taken for calculation
}

// Config holds configuration parameters for the Elo engine
type Config struct {
	InitialRating float64 `yaml:"initial_rating" json:"initial_rating" env:"INITIAL_RATING"`
	KFactor       int     `yaml:"k_factor" json:"k_factor" env:"K_FACTOR"`
}

// DefaultConfig returns the parameters used by the voting app: 1000 start, K=32.
func DefaultConfig() Config {
	return Config{
		InitialRating: DefaultInitialRating,
		KFactor:       DefaultKFactor,
	}
}

// Validate checks the engine parameters.
func (c Config) Validate() error {
	if c.KFactor <= 0 {
		return ErrInvalidKFactor
	}
	if !IsFinite(c.InitialRating) {
		return ErrInvalidRating
	}
	return nil
}

// Engine is the Elo rating engine. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	InitialRating float64 // Default rating for new items
	KFactor       int     // K-factor for rating change sensitivity
}

// NewEngine creates a new Elo rating engine with specified configuration
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		InitialRating: config.InitialRating,
		KFactor:       config.KFactor,
	}, nil
}

// IsFinite reports whether v is neither NaN nor an infinity.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ExpectedScore computes the probability that an item rated a beats an item rated b.
func ExpectedScore(a, b float64) float64 {
	return 1.0 / (1.0 + math.Pow(10.0, (b-a)/400.0))
}

// Update returns the new winner and loser ratings after the winner beat the loser.
// Results are not clamped.
func (e *Engine) Update(winner, loser float64) (float64, float64, error) {
	if !IsFinite(winner) || !IsFinite(loser) {
		return 0, 0, ErrInvalidRating
	}

	expectedWinner := ExpectedScore(winner, loser)
	expectedLoser := ExpectedScore(loser, winner)

	k := float64(e.KFactor)
	return winner + k*(1-expectedWinner), loser + k*(0-expectedLoser), nil
}

// CalculatePairwise calculates new ratings for a pairwise comparison and
// bumps the game count of both sides.
func (e *Engine) CalculatePairwise(winner, loser Rating) (Rating, Rating, error) {
	if winner.ID != "" && winner.ID == loser.ID {
		return Rating{}, Rating{}, ErrSameItem
	}
	newWinnerScore, newLoserScore, err := e.Update(winner.Score, loser.Score)
	if err != nil {
		return Rating{}, Rating{}, err
	}

	newWinner := Rating{ID: winner.ID, Score: newWinnerScore, Games: winner.Games + 1}
	newLoser := Rating{ID: loser.ID, Score: newLoserScore, Games: loser.Games + 1}
	return newWinner, newLoser, nil
}

// CalculatePairwiseWithResult performs pairwise calculation and returns detailed result
func (e *Engine) CalculatePairwiseWithResult(winner, loser Rating) (ComparisonResult, error) {
	start := time.Now()

	newWinner, newLoser, err := e.CalculatePairwise(winner, loser)
	if err != nil {
		return ComparisonResult{}, err
	}

	return ComparisonResult{
		Winner: RatingUpdate{
			ItemID:    winner.ID,
			OldRating: winner.Score,
			NewRating: newWinner.Score,
			Delta:     newWinner.Score - winner.Score,
			KFactor:   e.KFactor,
		},
		Loser: RatingUpdate{
			ItemID:    loser.ID,
			OldRating: loser.Score,
			NewRating: newLoser.Score,
			Delta:     newLoser.Score - loser.Score,
			KFactor:   e.KFactor,
		},
		Timestamp: start,
		Duration:  time.Since(start),
	}, nil
}
