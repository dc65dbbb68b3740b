package elo

import "fmt"

// Outcome is a single "winner beats loser" result.
type Outcome struct {
	WinnerID string
	LoserID  string
}

// Replay rebuilds ratings by applying outcomes in order, starting every
// item in seed (and every item first seen in outcomes) at the engine's
// initial rating.
func (e *Engine) Replay(seed []string, outcomes []Outcome) (map[string]Rating, error) {
	ratings := make(map[string]Rating, len(seed))
	for _, id := range seed {
		ratings[id] = Rating{ID: id, Score: e.InitialRating}
	}

	lookup := func(id string) Rating {
		if r, ok := ratings[id]; ok {
			return r
		}
		return Rating{ID: id, Score: e.InitialRating}
	}

	for i, o := range outcomes {
		w, l, err := e.CalculatePairwise(lookup(o.WinnerID), lookup(o.LoserID))
		if err != nil {
			return nil, fmt.Errorf("outcome %d (%s beats %s): %w", i, o.WinnerID, o.LoserID, err)
		}
		ratings[w.ID] = w
		ratings[l.ID] = l
	}
	return ratings, nil
}
