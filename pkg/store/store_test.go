package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/elo"
)

// runStoreContract checks the behaviour every data.Store backend shares
func runStoreContract(t *testing.T, open func(t *testing.T) data.Store) {
	ctx := context.Background()

	newItems := func(t *testing.T, s data.Store, kind data.ItemKind, payloads ...string) []data.Item {
		t.Helper()
		var items []data.Item
		for _, p := range payloads {
			it, err := data.NewItem(kind, p, 1000)
			require.NoError(t, err)
			require.NoError(t, s.InsertItem(ctx, it))
			items = append(items, it)
		}
		return items
	}

	t.Run("items keep insertion order", func(t *testing.T) {
		s := open(t)
		inserted := newItems(t, s, data.KindTitle, "first", "second", "third")
		newItems(t, s, data.KindCover, "c.png")

		items, err := s.LoadItems(ctx, data.KindTitle)
		require.NoError(t, err)
		require.Len(t, items, 3)
		for i := range inserted {
			assert.Equal(t, inserted[i].ID, items[i].ID)
			assert.Equal(t, inserted[i].Payload, items[i].Payload)
			assert.True(t, items[i].IsActive)
		}
		assert.ErrorIs(t, s.InsertItem(ctx, inserted[0]), data.ErrDuplicateItem)

		require.NoError(t, s.SetItemActive(ctx, data.KindTitle, inserted[1].ID, false))
		items, _ = s.LoadItems(ctx, data.KindTitle)
		assert.False(t, items[1].IsActive)
		assert.ErrorIs(t, s.SetItemActive(ctx, data.KindTitle, "ghost", false), data.ErrItemNotFound)
	})

	t.Run("outcome is versioned and round checked", func(t *testing.T) {
		s := open(t)
		round, err := s.CurrentRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, round.Number)
		assert.True(t, round.Active)

		items := newItems(t, s, data.KindTitle, "a", "b")
		winner, loser := items[0], items[1]
		winner.GlobalScore, winner.VoteCount, winner.Version = 1016, 1, 1
		loser.GlobalScore, loser.VoteCount, loser.Version = 984, 1, 1
		vote := data.Vote{ID: "v1", UserID: "u1", SessionID: "s1", ItemType: data.KindTitle,
			WinnerItemID: winner.ID, LoserItemID: loser.ID, Timestamp: time.Now().UTC(),
			Round: round.Number, LocalWinnerScore: 1016, LocalLoserScore: 984}

		closed := vote
		closed.ID, closed.Round = "v0", round.Number+1
		assert.ErrorIs(t, s.PersistOutcome(ctx, winner, loser, closed), data.ErrRoundClosed)

		require.NoError(t, s.PersistOutcome(ctx, winner, loser, vote))
		loaded, _ := s.LoadItems(ctx, data.KindTitle)
		assert.InDelta(t, 1016, loaded[0].GlobalScore, 1e-9)
		assert.InDelta(t, 984, loaded[1].GlobalScore, 1e-9)
		assert.Equal(t, int64(1), loaded[0].Version)
		assert.Equal(t, 1, loaded[1].VoteCount)

		again := vote
		again.ID = "v2"
		assert.ErrorIs(t, s.PersistOutcome(ctx, winner, loser, again), data.ErrStaleWrite)

		ghost := loser
		ghost.ID = "ghost"
		next := winner
		next.Version = 2
		again.ID = "v3"
		assert.ErrorIs(t, s.PersistOutcome(ctx, next, ghost, again), data.ErrItemNotFound)

		votes, err := s.LoadVotes(ctx)
		require.NoError(t, err)
		require.Len(t, votes, 1, "rejected outcomes leave no vote behind")
		assert.Equal(t, "v1", votes[0].ID)
		assert.Equal(t, data.KindTitle, votes[0].ItemType)
		assert.Equal(t, round.Number, votes[0].Round)
		assert.InDelta(t, 1016, votes[0].LocalWinnerScore, 1e-9)

		loaded, _ = s.LoadItems(ctx, data.KindTitle)
		assert.Equal(t, int64(1), loaded[0].Version, "failed transaction rolled back")
	})

	t.Run("rounds and resets", func(t *testing.T) {
		s := open(t)
		_, err := s.CurrentRound(ctx)
		require.NoError(t, err)
		titles := newItems(t, s, data.KindTitle, "a", "b")
		covers := newItems(t, s, data.KindCover, "x.png", "y.png")

		w, l := covers[0], covers[1]
		w.GlobalScore, w.VoteCount, w.Version = 1016, 1, 1
		l.GlobalScore, l.VoteCount, l.Version = 984, 1, 1
		require.NoError(t, s.PersistOutcome(ctx, w, l, data.Vote{ID: "c1", ItemType: data.KindCover,
			WinnerItemID: w.ID, LoserItemID: l.ID, Timestamp: time.Now().UTC(), Round: 1}))

		require.NoError(t, s.PersistBulkReset(ctx, data.KindTitle, 1000))
		loadedCovers, _ := s.LoadItems(ctx, data.KindCover)
		assert.InDelta(t, 1016, loadedCovers[0].GlobalScore, 1e-9, "other kind untouched")
		loadedTitles, _ := s.LoadItems(ctx, data.KindTitle)
		assert.Equal(t, int64(1), loadedTitles[0].Version)
		assert.Equal(t, titles[0].ID, loadedTitles[0].ID)

		round, err := s.StartRound(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, 2, round.Number)
		current, err := s.CurrentRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, current.Number)

		loadedCovers, _ = s.LoadItems(ctx, data.KindCover)
		assert.InDelta(t, 1000, loadedCovers[0].GlobalScore, 1e-9)
		assert.Zero(t, loadedCovers[0].VoteCount)
		assert.Equal(t, int64(2), loadedCovers[0].Version)
		votes, _ := s.LoadVotes(ctx)
		assert.Len(t, votes, 1, "new round keeps history")

		require.NoError(t, s.ClearVotes(ctx))
		votes, _ = s.LoadVotes(ctx)
		assert.Empty(t, votes)

		require.NoError(t, s.SaveSurvey(ctx, data.SurveyAnswers{UserID: "u1", InterestLevel: 5}))
		round, err = s.HardReset(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, 1, round.Number)
		surveys, _ := s.ListSurveys(ctx)
		assert.Empty(t, surveys)
		loadedTitles, _ = s.LoadItems(ctx, data.KindTitle)
		assert.Len(t, loadedTitles, 2, "hard reset keeps items")
	})

	t.Run("users and surveys", func(t *testing.T) {
		s := open(t)
		u, err := data.NewUser("Ada")
		require.NoError(t, err)
		require.NoError(t, s.CreateUser(ctx, u))
		assert.Error(t, s.CreateUser(ctx, u))

		u.CompletedSteps = data.StepFeedback
		u.Feedback = "nice covers"
		require.NoError(t, s.UpdateUser(ctx, u))
		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, data.StepFeedback, got.CompletedSteps)
		assert.Equal(t, "nice covers", got.Feedback)
		assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, time.Second)

		_, err = s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, data.ErrUserNotFound)
		assert.ErrorIs(t, s.UpdateUser(ctx, data.User{ID: "nobody"}), data.ErrUserNotFound)

		other, _ := data.NewUser("Grace")
		require.NoError(t, s.CreateUser(ctx, other))
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "Ada", users[0].Name)

		require.NoError(t, s.SaveSurvey(ctx, data.SurveyAnswers{UserID: u.ID, ReadingHabits: []string{"sci-fi"}, InterestLevel: 3}))
		require.NoError(t, s.SaveSurvey(ctx, data.SurveyAnswers{UserID: u.ID, ReadingHabits: []string{"poetry", "crime"}, InterestLevel: 9}))
		surveys, err := s.ListSurveys(ctx)
		require.NoError(t, err)
		require.Len(t, surveys, 1)
		assert.Equal(t, []string{"poetry", "crime"}, surveys[0].ReadingHabits)
		assert.Equal(t, 9, surveys[0].InterestLevel)
	})

	t.Run("catalog on top of the store", func(t *testing.T) {
		s := open(t)
		engine, err := elo.NewEngine(elo.DefaultConfig())
		require.NoError(t, err)
		catalog, err := data.NewCatalog(ctx, engine, s)
		require.NoError(t, err)

		items := make([]data.Item, 0, 4)
		for _, p := range []string{"a", "b", "c", "d"} {
			it, err := catalog.AddItem(ctx, data.KindTitle, p)
			require.NoError(t, err)
			items = append(items, it)
		}

		var wg sync.WaitGroup
		for u := 0; u < 4; u++ {
			wg.Add(1)
			go func(u int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					w, l := items[(u+i)%4], items[(u+i+1)%4]
					for {
						_, _, err := catalog.ApplyOutcome(ctx, data.Vote{UserID: "u", ItemType: data.KindTitle,
							WinnerItemID: w.ID, LoserItemID: l.ID}, nil)
						if err == nil {
							break
						}
						if !assert.ErrorIs(t, err, data.ErrStaleWrite) {
							return
						}
					}
				}
			}(u)
		}
		wg.Wait()

		report, err := catalog.Verify()
		require.NoError(t, err)
		assert.True(t, report.OK(), "%+v", report.Mismatches)
		assert.Equal(t, 40, report.Votes)

		reopened, err := data.NewCatalog(ctx, engine, s)
		require.NoError(t, err)
		assert.Len(t, reopened.Votes(), 40)
		before, _ := catalog.Rankings(data.KindTitle, data.ByGlobal, nil)
		after, _ := reopened.Rankings(data.KindTitle, data.ByGlobal, nil)
		for i := range before {
			assert.Equal(t, before[i].ID, after[i].ID)
			assert.InDelta(t, before[i].GlobalScore, after[i].GlobalScore, 1e-6)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) data.Store {
		return data.NewMemoryStore()
	})
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) data.Store {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "bookvote.json"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) data.Store {
		return openTestSQLite(t, filepath.Join(t.TempDir(), "bookvote.db"))
	})
}

func openTestSQLite(t *testing.T, path string) *SQLStore {
	t.Helper()
	cfg := data.DefaultStorageConfig()
	cfg.Path = path
	s, err := OpenSQL(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.Migrate()
	require.NoError(t, err)
	return s
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "bookvote.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	it, _ := data.NewItem(data.KindTitle, "Kept", 1000)
	require.NoError(t, s.InsertItem(ctx, it))
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+".tmp")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	items, err := reopened.LoadItems(ctx, data.KindTitle)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Kept", items[0].Payload)
	assert.Equal(t, path, reopened.Path())

	t.Run("corrupted file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
		_, err := NewFileStore(bad)
		assert.ErrorIs(t, err, ErrCorruptedFile)
	})

	t.Run("failed write rolls back", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFileStore(filepath.Join(dir, "sub", "db.json"))
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(filepath.Join(dir, "sub")))

		it, _ := data.NewItem(data.KindCover, "lost.png", 1000)
		assert.ErrorIs(t, s.InsertItem(ctx, it), ErrAtomicWrite)
		items, _ := s.LoadItems(ctx, data.KindCover)
		assert.Empty(t, items)
	})
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("data survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bookvote.db")
		s := openTestSQLite(t, path)
		it, _ := data.NewItem(data.KindCover, "https://img.test/a.png", 1000)
		require.NoError(t, s.InsertItem(ctx, it))
		require.NoError(t, s.Close())

		reopened := openTestSQLite(t, path)
		items, err := reopened.LoadItems(ctx, data.KindCover)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, it.ID, items[0].ID)
	})

	t.Run("in-memory database", func(t *testing.T) {
		s := openTestSQLite(t, ":memory:")
		round, err := s.CurrentRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, round.Number)
	})

	t.Run("migrations go down and up", func(t *testing.T) {
		s := openTestSQLite(t, filepath.Join(t.TempDir(), "m.db"))
		mm, err := s.newMigrator()
		require.NoError(t, err)
		version, dirty, err := mm.Version()
		require.NoError(t, err)
		assert.Equal(t, uint(1), version)
		assert.False(t, dirty)

		require.NoError(t, mm.Down())
		_, err = s.LoadVotes(ctx)
		assert.Error(t, err, "tables are gone")
		require.NoError(t, mm.Up())
		_, err = s.LoadVotes(ctx)
		assert.NoError(t, err)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		s := openTestSQLite(t, filepath.Join(t.TempDir(), "tx.db"))
		err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO rounds (number, started_at, is_active) VALUES (?, ?, ?)", 9, time.Now(), false)
			require.NoError(t, err)
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		var n int
		require.NoError(t, s.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM rounds").Scan(&n))
		assert.Zero(t, n)
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: postgresDialect}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", pg.rebind("UPDATE t SET a = ? WHERE b = ?"))
	lite := &SQLStore{dialect: sqliteDialect}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, data.StorageConfig{Driver: data.DriverMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &data.MemoryStore{}, s)

	s, err = Open(ctx, data.StorageConfig{Driver: data.DriverFile, Path: filepath.Join(t.TempDir(), "f.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	cfg := data.DefaultStorageConfig()
	cfg.Path = filepath.Join(t.TempDir(), "open.db")
	s, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.CurrentRound(ctx)
	assert.NoError(t, err, "schema is migrated")

	_, err = Open(ctx, data.StorageConfig{Driver: "mongo"}, nil)
	assert.ErrorIs(t, err, data.ErrInvalidStorageConfig)
}
