package screens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/elo"
)

// MockApp implements App over a real in-memory catalog
type MockApp struct {
	catalog *data.Catalog
	config  data.SessionConfig
	user    *data.User
	session *data.Session
	calls   []string
	errors  []error
}

func newMockApp(t *testing.T, titles, covers int) *MockApp {
	t.Helper()
	ctx := context.Background()
	engine, err := elo.NewEngine(elo.DefaultConfig())
	require.NoError(t, err)
	catalog, err := data.NewCatalog(ctx, engine, data.NewMemoryStore())
	require.NoError(t, err)

	for i := range titles {
		_, err := catalog.AddItem(ctx, data.KindTitle, []string{"The Salt Road", "Quiet Harbour", "Ash and Ember", "Night Ferry"}[i%4])
		require.NoError(t, err)
	}
	for i := range covers {
		_, err := catalog.AddItem(ctx, data.KindCover, []string{"covers/dawn.png", "covers/dusk.png", "covers/tide.png"}[i%3])
		require.NoError(t, err)
	}
	return &MockApp{
		catalog: catalog,
		config:  data.SessionConfig{MaxTitleRounds: 2, MaxCoverRounds: 2},
	}
}

func (m *MockApp) Context() context.Context { return context.Background() }

func (m *MockApp) Catalog() *data.Catalog { return m.catalog }

func (m *MockApp) Session() *data.Session { return m.session }

func (m *MockApp) User() (data.User, bool) {
	if m.user == nil {
		return data.User{}, false
	}
	return *m.user, true
}

func (m *MockApp) StartSession(ctx context.Context, name string, habits []string, interest int) error {
	m.calls = append(m.calls, "StartSession")
	user, err := m.catalog.RegisterUser(ctx, name)
	if err != nil {
		return err
	}
	if user, err = m.catalog.SubmitSurvey(ctx, data.SurveyAnswers{UserID: user.ID, ReadingHabits: habits, InterestLevel: interest}); err != nil {
		return err
	}
	m.user = &user
	m.session, err = data.NewSession(m.catalog, data.UserID(user.ID), m.config)
	return err
}

func (m *MockApp) RecordVote(ctx context.Context, kind data.ItemKind, winnerID, loserID string) (data.SubmitResult, error) {
	m.calls = append(m.calls, "RecordVote")
	res, err := m.session.SubmitOutcome(ctx, kind, winnerID, loserID)
	if err == nil && res.PhaseChanged {
		err = m.CompleteStep(ctx, res.Phase.CompletedStep())
	}
	return res, err
}

func (m *MockApp) CompleteStep(ctx context.Context, step data.Step) error {
	m.calls = append(m.calls, "CompleteStep")
	user, err := m.catalog.CompleteStep(ctx, m.user.ID, step)
	if err == nil {
		m.user = &user
	}
	return err
}

func (m *MockApp) SubmitFeedback(ctx context.Context, text string) error {
	m.calls = append(m.calls, "SubmitFeedback")
	user, err := m.catalog.SubmitFeedback(ctx, m.user.ID, text)
	if err == nil {
		m.user = &user
	}
	return err
}

func (m *MockApp) RestartSession() error {
	m.calls = append(m.calls, "RestartSession")
	m.session.Restart()
	return nil
}

func (m *MockApp) ShowComparison() error {
	m.calls = append(m.calls, "ShowComparison")
	return nil
}

func (m *MockApp) ShowRanking() error {
	m.calls = append(m.calls, "ShowRanking")
	return nil
}

func (m *MockApp) ShowError(title string, err error) {
	m.errors = append(m.errors, err)
}

// register starts a session as "Ada"
func (m *MockApp) register(t *testing.T) {
	t.Helper()
	require.NoError(t, m.StartSession(context.Background(), "Ada", []string{"fantasy"}, 7))
	m.calls = nil
}
