package data

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails selected operations
type flakyStore struct {
	*MemoryStore
	failOutcome error
	failReset   error
}

func (f *flakyStore) PersistOutcome(ctx context.Context, winner, loser Item, vote Vote) error {
	if f.failOutcome != nil {
		return f.failOutcome
	}
	return f.MemoryStore.PersistOutcome(ctx, winner, loser, vote)
}

func (f *flakyStore) PersistBulkReset(ctx context.Context, kind ItemKind, initial float64) error {
	if f.failReset != nil && kind == KindCover {
		return f.failReset
	}
	return f.MemoryStore.PersistBulkReset(ctx, kind, initial)
}

// recordingAuditor keeps every audit event
type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAuditor) Record(event string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAuditor) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func createTestCatalog(t *testing.T, store Store, opts ...CatalogOption) *Catalog {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	c, err := NewCatalog(context.Background(), createTestEngine(t), store, opts...)
	require.NoError(t, err)
	return c
}

func seedItems(t *testing.T, c *Catalog, kind ItemKind, payloads ...string) []Item {
	t.Helper()
	items := make([]Item, 0, len(payloads))
	for _, p := range payloads {
		it, err := c.AddItem(context.Background(), kind, p)
		require.NoError(t, err)
		items = append(items, it)
	}
	return items
}

func TestNewCatalog(t *testing.T) {
	t.Run("empty store opens round 1", func(t *testing.T) {
		c := createTestCatalog(t, nil)
		assert.Equal(t, 1, c.CurrentRound().Number)
		assert.True(t, c.CurrentRound().Active)
	})

	t.Run("loads persisted state", func(t *testing.T) {
		store := NewMemoryStore()
		c := createTestCatalog(t, store)
		titles := seedItems(t, c, KindTitle, "a", "b")
		_, _, err := c.ApplyOutcome(context.Background(), Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: titles[0].ID, LoserItemID: titles[1].ID}, nil)
		require.NoError(t, err)

		reopened := createTestCatalog(t, store)
		reg, err := reopened.Registry(KindTitle)
		require.NoError(t, err)
		a, ok := reg.Get(titles[0].ID)
		require.True(t, ok)
		assert.Equal(t, 1016.0, a.GlobalScore)
		assert.Equal(t, 1000.0, a.LocalScore, "local scores are not persisted")
		assert.Len(t, reopened.Votes(), 1)
	})

	t.Run("unknown kind", func(t *testing.T) {
		c := createTestCatalog(t, nil)
		_, err := c.Registry("poster")
		assert.ErrorIs(t, err, ErrInvalidItemKind)
	})
}

func TestCatalogApplyOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("scores votes and audit", func(t *testing.T) {
		auditor := &recordingAuditor{}
		store := NewMemoryStore()
		c := createTestCatalog(t, store, WithAuditor(auditor))
		items := seedItems(t, c, KindCover, "a.png", "b.png")

		var changes []Change
		c.Subscribe(func(ch Change) { changes = append(changes, ch) })

		vote, scores, err := c.ApplyOutcome(ctx, Vote{UserID: "u1", ItemType: KindCover,
			WinnerItemID: items[0].ID, LoserItemID: items[1].ID}, nil)
		require.NoError(t, err)

		assert.NotEmpty(t, vote.ID)
		assert.False(t, vote.Timestamp.IsZero())
		assert.Equal(t, 1, vote.Round)
		assert.Equal(t, 1016.0, vote.LocalWinnerScore)
		assert.Equal(t, 984.0, vote.LocalLoserScore)
		assert.Equal(t, 1016.0, scores.WinnerGlobal)

		stored, err := store.LoadVotes(ctx)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, vote, stored[0])
		assert.Equal(t, []Vote{vote}, c.Votes())

		storedItems, err := store.LoadItems(ctx, KindCover)
		require.NoError(t, err)
		assert.Equal(t, 1016.0, storedItems[0].GlobalScore)
		assert.Equal(t, 1, storedItems[0].VoteCount)

		assert.Contains(t, auditor.Events(), EventVoteRecorded)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeVote, changes[0].Reason)
	})

	t.Run("store failure applies nothing", func(t *testing.T) {
		store := &flakyStore{MemoryStore: NewMemoryStore()}
		c := createTestCatalog(t, store)
		items := seedItems(t, c, KindTitle, "a", "b")
		store.failOutcome = errors.New("connection reset")

		_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: items[0].ID, LoserItemID: items[1].ID}, nil)
		require.Error(t, err)

		reg, _ := c.Registry(KindTitle)
		a, _ := reg.Get(items[0].ID)
		assert.Equal(t, 1000.0, a.GlobalScore)
		assert.Zero(t, a.VoteCount)
		assert.Empty(t, c.Votes())
	})

	t.Run("unknown item is an integrity error", func(t *testing.T) {
		c := createTestCatalog(t, nil)
		items := seedItems(t, c, KindTitle, "a")
		_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: items[0].ID, LoserItemID: "ghost"}, nil)
		assert.ErrorIs(t, err, ErrItemNotFound)
		assert.Empty(t, c.Votes())
	})

	t.Run("stale version is reported and reloaded", func(t *testing.T) {
		store := NewMemoryStore()
		c := createTestCatalog(t, store)
		items := seedItems(t, c, KindTitle, "a", "b")

		// another process wrote a vote behind this catalog's back
		other := createTestCatalog(t, store)
		_, _, err := other.ApplyOutcome(ctx, Vote{UserID: "x", ItemType: KindTitle,
			WinnerItemID: items[1].ID, LoserItemID: items[0].ID}, nil)
		require.NoError(t, err)

		_, _, err = c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: items[0].ID, LoserItemID: items[1].ID}, nil)
		assert.ErrorIs(t, err, ErrStaleWrite)

		// retrying the whole action succeeds on the reloaded state
		_, scores, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: items[0].ID, LoserItemID: items[1].ID}, nil)
		require.NoError(t, err)
		w, l, _ := c.Engine().Update(984, 1016)
		assert.InDelta(t, w, scores.WinnerGlobal, 1e-9)
		assert.InDelta(t, l, scores.LoserGlobal, 1e-9)
	})

	t.Run("concurrent votes keep the log chronological", func(t *testing.T) {
		c := createTestCatalog(t, nil)
		items := seedItems(t, c, KindTitle, "a", "b", "c", "d")

		var wg sync.WaitGroup
		for g := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 50 {
					w, l := items[(g+i)%4], items[(g+i+1)%4]
					_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
						WinnerItemID: w.ID, LoserItemID: l.ID}, nil)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		votes := c.Votes()
		require.Len(t, votes, 800)
		for i := 1; i < len(votes); i++ {
			assert.False(t, votes[i].Timestamp.Before(votes[i-1].Timestamp),
				"vote %d is older than vote %d", i, i-1)
		}
	})

	t.Run("round started elsewhere is picked up", func(t *testing.T) {
		store := NewMemoryStore()
		c := createTestCatalog(t, store)
		items := seedItems(t, c, KindTitle, "a", "b")
		vote := Vote{UserID: "u", ItemType: KindTitle, WinnerItemID: items[0].ID, LoserItemID: items[1].ID}
		_, _, err := c.ApplyOutcome(ctx, vote, nil)
		require.NoError(t, err)

		var changes []Change
		c.Subscribe(func(ch Change) { changes = append(changes, ch) })

		admin := createTestCatalog(t, store)
		_, err = admin.NewRound(ctx)
		require.NoError(t, err)

		_, _, err = c.ApplyOutcome(ctx, vote, nil)
		assert.ErrorIs(t, err, ErrRoundClosed)
		assert.Equal(t, 2, c.CurrentRound().Number)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeNewRound, changes[0].Reason)

		// retrying the whole action succeeds in the new round
		recorded, scores, err := c.ApplyOutcome(ctx, vote, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, recorded.Round)
		assert.Equal(t, 1016.0, scores.WinnerGlobal)
		assert.Len(t, c.Votes(), 2)
	})
}

func TestCatalogDeactivateKeepsVotes(t *testing.T) {
	ctx := context.Background()
	c := createTestCatalog(t, nil)
	items := seedItems(t, c, KindCover, "a.png", "b.png", "c.png")

	for _, pair := range [][2]int{{0, 1}, {2, 0}, {1, 2}} {
		_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindCover,
			WinnerItemID: items[pair[0]].ID, LoserItemID: items[pair[1]].ID}, nil)
		require.NoError(t, err)
	}
	before := c.Votes()
	involving := func(votes []Vote) []Vote {
		var out []Vote
		for _, v := range votes {
			if v.WinnerItemID == items[0].ID || v.LoserItemID == items[0].ID {
				out = append(out, v)
			}
		}
		return out
	}
	require.Len(t, involving(before), 2)

	require.NoError(t, c.DeactivateItem(ctx, KindCover, items[0].ID))

	assert.Equal(t, before, c.Votes())
	assert.Equal(t, involving(before), involving(c.Votes()))

	stored, err := c.Store().LoadVotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, stored)
}

func TestCatalogReplaceItems(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	c := createTestCatalog(t, nil, WithAuditor(auditor))
	covers := seedItems(t, c, KindCover, "a.png", "b.png", "c.png")
	titles := seedItems(t, c, KindTitle, "t1")

	_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindCover,
		WinnerItemID: covers[0].ID, LoserItemID: covers[1].ID}, nil)
	require.NoError(t, err)

	res, err := c.ReplaceItems(ctx, KindCover, []string{"a.png", "d.png"})
	require.NoError(t, err)
	assert.Equal(t, ReplaceResult{Added: 1, Deactivated: 2}, res)

	reg, _ := c.Registry(KindCover)
	var active []string
	for _, it := range reg.ActiveItems() {
		active = append(active, it.Payload)
	}
	assert.ElementsMatch(t, []string{"a.png", "d.png"}, active)

	kept, _ := reg.Get(covers[0].ID)
	assert.Equal(t, 1016.0, kept.GlobalScore, "kept items keep their score")
	assert.Len(t, c.Votes(), 1)

	title, _ := c.registries[KindTitle].Get(titles[0].ID)
	assert.True(t, title.IsActive, "other kinds are untouched")

	res, err = c.ReplaceItems(ctx, KindCover, []string{"b.png", "d.png"})
	require.NoError(t, err)
	assert.Equal(t, ReplaceResult{Reactivated: 1, Deactivated: 1}, res)
	assert.Contains(t, auditor.Events(), EventItemReactivated)

	stored, err := c.Store().LoadItems(ctx, KindCover)
	require.NoError(t, err)
	for _, it := range stored {
		assert.Equal(t, it.Payload == "b.png" || it.Payload == "d.png", it.IsActive, it.Payload)
	}

	_, err = c.ReplaceItems(ctx, "poster", nil)
	assert.ErrorIs(t, err, ErrInvalidItemKind)
}

func TestCatalogItems(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	c := createTestCatalog(t, nil, WithAuditor(auditor))
	items := seedItems(t, c, KindTitle, "a", "b")

	require.NoError(t, c.DeactivateItem(ctx, KindTitle, items[0].ID))
	assert.ErrorIs(t, c.DeactivateItem(ctx, KindTitle, "ghost"), ErrItemNotFound)
	assert.ErrorIs(t, c.DeactivateItem(ctx, "poster", items[0].ID), ErrInvalidItemKind)

	ranked, err := c.Rankings(KindTitle, ByGlobal, nil)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, items[1].ID, ranked[0].ID)
	assert.Equal(t, []string{EventItemAdded, EventItemAdded, EventItemDeactivated}, auditor.Events())

	t.Run("seed skips existing payloads", func(t *testing.T) {
		n, err := c.Seed(ctx, []SeedItem{
			{Kind: KindTitle, Payload: "a"},
			{Kind: KindTitle, Payload: "c"},
			{Kind: KindCover, Payload: "c.png"},
			{Kind: KindCover, Payload: "c.png"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 3, c.Stats().Kinds[KindTitle].Total)
		assert.Equal(t, 1, c.Stats().Kinds[KindCover].Total)
	})
}

func TestCatalogResets(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, store Store) (*Catalog, []Item) {
		c := createTestCatalog(t, store)
		items := seedItems(t, c, KindTitle, "a", "b", "c")
		for i := 0; i < 4; i++ {
			_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
				WinnerItemID: items[i%3].ID, LoserItemID: items[(i+1)%3].ID}, nil)
			require.NoError(t, err)
		}
		return c, items
	}

	t.Run("new round keeps the vote log", func(t *testing.T) {
		store := NewMemoryStore()
		c, _ := setup(t, store)

		round, err := c.NewRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, round.Number)
		assert.Equal(t, 2, c.CurrentRound().Number)
		assert.Len(t, c.Votes(), 4)

		reg, _ := c.Registry(KindTitle)
		for _, it := range reg.Items() {
			assert.Equal(t, 1000.0, it.GlobalScore)
			assert.Zero(t, it.VoteCount)
		}
		stored, _ := store.LoadItems(ctx, KindTitle)
		for _, it := range stored {
			assert.Equal(t, 1000.0, it.GlobalScore)
		}

		report, err := c.Verify()
		require.NoError(t, err)
		assert.True(t, report.OK(), "old round votes are not replayed")
		assert.Zero(t, report.Votes)
	})

	t.Run("clear votes leaves scores", func(t *testing.T) {
		c, items := setup(t, nil)
		reg, _ := c.Registry(KindTitle)
		before, _ := reg.Get(items[0].ID)

		require.NoError(t, c.ClearVotes(ctx))
		assert.Empty(t, c.Votes())
		after, _ := reg.Get(items[0].ID)
		assert.Equal(t, before, after)
	})

	t.Run("reset scores leaves votes", func(t *testing.T) {
		c, _ := setup(t, nil)
		require.NoError(t, c.ResetScores(ctx))
		assert.Len(t, c.Votes(), 4)
		assert.Equal(t, 1, c.CurrentRound().Number)
		reg, _ := c.Registry(KindTitle)
		for _, it := range reg.Items() {
			assert.Equal(t, 1000.0, it.GlobalScore)
		}
	})

	t.Run("bundled clear and reset stays consistent", func(t *testing.T) {
		c, items := setup(t, nil)
		require.NoError(t, c.ClearVotes(ctx))
		require.NoError(t, c.ResetScores(ctx))
		_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
			WinnerItemID: items[0].ID, LoserItemID: items[1].ID}, nil)
		require.NoError(t, err)

		report, err := c.Verify()
		require.NoError(t, err)
		assert.True(t, report.OK())
		assert.Equal(t, 1, report.Votes)
	})

	t.Run("failed reset reloads stored state", func(t *testing.T) {
		store := &flakyStore{MemoryStore: NewMemoryStore()}
		c, items := setup(t, store)
		store.failReset = errors.New("timeout")

		require.Error(t, c.ResetScores(ctx))
		reg, _ := c.Registry(KindTitle)
		it, _ := reg.Get(items[0].ID)
		assert.Equal(t, 1000.0, it.GlobalScore, "title reset was stored before the failure")
	})

	t.Run("hard reset", func(t *testing.T) {
		store := NewMemoryStore()
		c, _ := setup(t, store)
		_, err := c.NewRound(ctx)
		require.NoError(t, err)
		user, err := c.RegisterUser(ctx, "Ann")
		require.NoError(t, err)
		_, err = c.SubmitSurvey(ctx, SurveyAnswers{UserID: user.ID, InterestLevel: 7})
		require.NoError(t, err)

		round, err := c.HardReset(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, round.Number)
		assert.Empty(t, c.Votes())
		surveys, _ := c.Surveys(ctx)
		assert.Empty(t, surveys)
		users, _ := c.Users(ctx)
		assert.Len(t, users, 1, "profiles are kept")
		assert.Equal(t, 3, c.Stats().Kinds[KindTitle].Total, "items are kept")
	})
}

func TestCatalogReplayMatchesScores(t *testing.T) {
	ctx := context.Background()
	c := createTestCatalog(t, nil)
	titles := seedItems(t, c, KindTitle, "a", "b", "c", "d", "e")
	covers := seedItems(t, c, KindCover, "1.png", "2.png", "3.png")

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				tw, tl := titles[(w+i)%5], titles[(w+2*i+1)%5]
				if tw.ID != tl.ID {
					_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
						WinnerItemID: tw.ID, LoserItemID: tl.ID}, NewScoreboard(1000))
					assert.NoError(t, err)
				}
				cw, cl := covers[(w+i)%3], covers[(w+i+1)%3]
				_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindCover,
					WinnerItemID: cw.ID, LoserItemID: cl.ID}, nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	report, err := c.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatches: %+v", report.Mismatches)
	assert.Equal(t, 8, report.Items)
	assert.Equal(t, len(c.Votes()), report.Votes)
}

func TestCatalogResetExcludesVotes(t *testing.T) {
	ctx := context.Background()
	c := createTestCatalog(t, nil)
	items := seedItems(t, c, KindTitle, "a", "b")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _, err := c.ApplyOutcome(ctx, Vote{UserID: "u", ItemType: KindTitle,
				WinnerItemID: items[i%2].ID, LoserItemID: items[(i+1)%2].ID}, nil)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := c.NewRound(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// every vote of the final round was applied after its reset
	report, err := c.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatches: %+v", report.Mismatches)
	assert.Equal(t, 21, c.CurrentRound().Number)
	assert.Len(t, c.Votes(), 200)
}

func TestCatalogUsers(t *testing.T) {
	ctx := context.Background()
	c := createTestCatalog(t, nil)

	_, err := c.RegisterUser(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidUser)

	user, err := c.RegisterUser(ctx, "Bea")
	require.NoError(t, err)
	assert.Equal(t, StepRegistered, user.CompletedSteps)

	_, err = c.SubmitSurvey(ctx, SurveyAnswers{UserID: user.ID, InterestLevel: 11})
	assert.ErrorIs(t, err, ErrInvalidSurvey)

	_, err = c.CompleteStep(ctx, user.ID, StepCovers)
	assert.ErrorIs(t, err, ErrStepOutOfSequence)

	user, err = c.SubmitSurvey(ctx, SurveyAnswers{UserID: user.ID, ReadingHabits: []string{"fantasy"}, InterestLevel: 8})
	require.NoError(t, err)
	assert.Equal(t, StepSurvey, user.CompletedSteps)

	for _, step := range []Step{StepTitles, StepCovers, StepRankings} {
		user, err = c.CompleteStep(ctx, user.ID, step)
		require.NoError(t, err)
	}
	user, err = c.SubmitFeedback(ctx, user.ID, " loved it ")
	require.NoError(t, err)
	assert.Equal(t, StepFeedback, user.CompletedSteps)
	assert.Equal(t, "loved it", user.Feedback)

	_, err = c.User(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
