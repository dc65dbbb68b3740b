// Package screens provides the voting client screens: registration and
// survey, the pairwise comparisons and the final rankings.
package screens

import (
	"context"
	"errors"

	"github.com/pashagolub/bookvote/pkg/data"
)

// ErrNoApp is returned by OnEnter when the screen is given an unexpected application.
var ErrNoApp = errors.New("screen requires a voting application")

// App is what the screens need from the hosting application
type App interface {
	Context() context.Context
	Catalog() *data.Catalog
	Session() *data.Session
	User() (data.User, bool)

	StartSession(ctx context.Context, name string, habits []string, interest int) error
	RecordVote(ctx context.Context, kind data.ItemKind, winnerID, loserID string) (data.SubmitResult, error)
	CompleteStep(ctx context.Context, step data.Step) error
	SubmitFeedback(ctx context.Context, text string) error
	RestartSession() error

	ShowComparison() error
	ShowRanking() error
	ShowError(title string, err error)
}

func asApp(app any) (App, error) {
	a, ok := app.(App)
	if !ok {
		return nil, ErrNoApp
	}
	return a, nil
}
