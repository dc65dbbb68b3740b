package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/pashagolub/bookvote/pkg/data"
)

// dialect holds what differs between the SQL backends
type dialect struct {
	name       string // migrations directory and golang-migrate driver
	driverName string // database/sql driver
	numbered   bool   // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite", driverName: "sqlite"}
	postgresDialect = dialect{name: "postgres", driverName: "postgres", numbered: true}
)

// SQLStore implements data.Store on SQLite or PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// TxFunc is a function that runs inside a transaction
type TxFunc func(tx *sql.Tx) error

// OpenSQL connects to the SQLite file or PostgreSQL database named by cfg.
// The schema is not touched; call Migrate before use.
func OpenSQL(ctx context.Context, cfg data.StorageConfig) (*SQLStore, error) {
	var (
		d   dialect
		dsn string
	)
	switch cfg.Driver {
	case data.DriverSQLite:
		d = sqliteDialect
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate&_time_format=sqlite",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	case data.DriverPostgres:
		d = postgresDialect
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}

	conn, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	switch {
	case cfg.Driver == data.DriverSQLite && cfg.Path == ":memory:":
		// every connection would get its own empty database
		conn.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after ping error: %w (original error: %v)", closeErr, err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLStore{db: conn, dialect: d}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Conn returns the underlying sql.DB connection.
func (s *SQLStore) Conn() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders for dialects that number them
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WithTransaction executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn succeeds, the transaction is committed.
func (s *SQLStore) WithTransaction(ctx context.Context, fn TxFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
			}
		} else {
			err = tx.Commit()
			if err != nil {
				err = fmt.Errorf("failed to commit transaction: %w", err)
			}
		}
	}()

	return fn(tx)
}

const itemColumns = "id, kind, payload, global_score, vote_count, is_active, version, created_at"

// LoadItems implements data.ItemStore
func (s *SQLStore) LoadItems(ctx context.Context, kind data.ItemKind) ([]data.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+itemColumns+" FROM items WHERE kind = ? ORDER BY seq"), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s items: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var items []data.Item
	for rows.Next() {
		var (
			it   data.Item
			kind string
		)
		if err := rows.Scan(&it.ID, &kind, &it.Payload, &it.GlobalScore, &it.VoteCount,
			&it.IsActive, &it.Version, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.Kind = data.ItemKind(kind)
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertItem implements data.ItemStore
func (s *SQLStore) InsertItem(ctx context.Context, item data.Item) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM items WHERE kind = ? AND id = ?"),
		string(item.Kind), item.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check item %s: %w", item.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", data.ErrDuplicateItem, item.ID)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
		item.ID, string(item.Kind), item.Payload, item.GlobalScore, item.VoteCount,
		item.IsActive, item.Version, item.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert item %s: %w", item.ID, err)
	}
	return nil
}

// SetItemActive implements data.ItemStore
func (s *SQLStore) SetItemActive(ctx context.Context, kind data.ItemKind, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE items SET is_active = ? WHERE kind = ? AND id = ?"),
		active, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", data.ErrItemNotFound, kind, id)
	}
	return nil
}

const voteColumns = "id, user_id, session_id, item_type, winner_item_id, loser_item_id, created_at, " +
	"round_number, local_winner_score, local_loser_score"

// LoadVotes implements data.VoteStore
func (s *SQLStore) LoadVotes(ctx context.Context) ([]data.Vote, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+voteColumns+" FROM votes ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to load votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var votes []data.Vote
	for rows.Next() {
		var (
			v    data.Vote
			kind string
		)
		if err := rows.Scan(&v.ID, &v.UserID, &v.SessionID, &kind, &v.WinnerItemID, &v.LoserItemID,
			&v.Timestamp, &v.Round, &v.LocalWinnerScore, &v.LocalLoserScore); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.ItemType = data.ItemKind(kind)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// PersistOutcome implements data.VoteStore
func (s *SQLStore) PersistOutcome(ctx context.Context, winner, loser data.Item, vote data.Vote) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		round, err := s.activeRound(ctx, tx)
		if err != nil {
			return err
		}
		if round != vote.Round {
			return fmt.Errorf("%w: round %d", data.ErrRoundClosed, vote.Round)
		}

		for _, it := range []data.Item{winner, loser} {
			res, err := tx.ExecContext(ctx, s.rebind(
				"UPDATE items SET global_score = ?, vote_count = ?, version = ? WHERE kind = ? AND id = ? AND version = ?"),
				it.GlobalScore, it.VoteCount, it.Version, string(it.Kind), it.ID, it.Version-1)
			if err != nil {
				return fmt.Errorf("failed to update item %s: %w", it.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to update item %s: %w", it.ID, err)
			}
			if n == 0 {
				return s.missingOrStale(ctx, tx, it)
			}
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			"INSERT INTO votes ("+voteColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			vote.ID, vote.UserID, vote.SessionID, string(vote.ItemType), vote.WinnerItemID, vote.LoserItemID,
			vote.Timestamp.UTC(), vote.Round, vote.LocalWinnerScore, vote.LocalLoserScore)
		if err != nil {
			return fmt.Errorf("failed to insert vote %s: %w", vote.ID, err)
		}
		return nil
	})
}

// missingOrStale explains why a versioned update matched no row
func (s *SQLStore) missingOrStale(ctx context.Context, tx *sql.Tx, it data.Item) error {
	var version int64
	err := tx.QueryRowContext(ctx, s.rebind("SELECT version FROM items WHERE kind = ? AND id = ?"),
		string(it.Kind), it.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", data.ErrItemNotFound, it.Kind, it.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read item %s: %w", it.ID, err)
	}
	return fmt.Errorf("%w: %s %s at version %d, expected %d", data.ErrStaleWrite, it.Kind, it.ID, version, it.Version-1)
}

// ClearVotes implements data.VoteStore
func (s *SQLStore) ClearVotes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM votes"); err != nil {
		return fmt.Errorf("failed to clear votes: %w", err)
	}
	return nil
}

func (s *SQLStore) activeRound(ctx context.Context, tx *sql.Tx) (int, error) {
	var number int
	err := tx.QueryRowContext(ctx, s.rebind("SELECT number FROM rounds WHERE is_active = ?"), true).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read active round: %w", err)
	}
	return number, nil
}

func (s *SQLStore) openRound(ctx context.Context, tx *sql.Tx, number int) (data.Round, error) {
	round := data.Round{Number: number, StartedAt: time.Now().UTC(), Active: true}
	_, err := tx.ExecContext(ctx, s.rebind("INSERT INTO rounds (number, started_at, is_active) VALUES (?, ?, ?)"),
		round.Number, round.StartedAt, true)
	if err != nil {
		return data.Round{}, fmt.Errorf("failed to open round %d: %w", number, err)
	}
	return round, nil
}

func (s *SQLStore) resetScores(ctx context.Context, tx *sql.Tx, kind data.ItemKind, initialRating float64) error {
	query := "UPDATE items SET global_score = ?, vote_count = 0, version = version + 1"
	args := []any{initialRating}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to reset scores: %w", err)
	}
	return nil
}

// CurrentRound implements data.RoundStore
func (s *SQLStore) CurrentRound(ctx context.Context) (data.Round, error) {
	var round data.Round
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.rebind("SELECT number, started_at FROM rounds WHERE is_active = ?"), true).
			Scan(&round.Number, &round.StartedAt)
		if err == nil {
			round.Active = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read active round: %w", err)
		}
		last, err := s.lastRound(ctx, tx)
		if err != nil {
			return err
		}
		round, err = s.openRound(ctx, tx, last+1)
		return err
	})
	return round, err
}

func (s *SQLStore) lastRound(ctx context.Context, tx *sql.Tx) (int, error) {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(number) FROM rounds").Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read rounds: %w", err)
	}
	return int(last.Int64), nil
}

// StartRound implements data.RoundStore
func (s *SQLStore) StartRound(ctx context.Context, initialRating float64) (data.Round, error) {
	var round data.Round
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		last, err := s.lastRound(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind("UPDATE rounds SET is_active = ?"), false); err != nil {
			return fmt.Errorf("failed to close rounds: %w", err)
		}
		if round, err = s.openRound(ctx, tx, last+1); err != nil {
			return err
		}
		return s.resetScores(ctx, tx, "", initialRating)
	})
	return round, err
}

// PersistBulkReset implements data.RoundStore
func (s *SQLStore) PersistBulkReset(ctx context.Context, kind data.ItemKind, initialRating float64) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		return s.resetScores(ctx, tx, kind, initialRating)
	})
}

// HardReset implements data.RoundStore
func (s *SQLStore) HardReset(ctx context.Context, initialRating float64) (data.Round, error) {
	var round data.Round
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"votes", "survey_answers", "rounds"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		var err error
		if round, err = s.openRound(ctx, tx, 1); err != nil {
			return err
		}
		return s.resetScores(ctx, tx, "", initialRating)
	})
	return round, err
}

const userColumns = "id, name, is_admin, completed_steps, feedback, created_at"

// CreateUser implements data.UserStore
func (s *SQLStore) CreateUser(ctx context.Context, user data.User) error {
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		user.ID, user.Name, user.IsAdmin, int(user.CompletedSteps), user.Feedback, user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrInvalidUser, err)
	}
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (data.User, error) {
	var (
		u     data.User
		steps int
	)
	err := row.Scan(&u.ID, &u.Name, &u.IsAdmin, &steps, &u.Feedback, &u.CreatedAt)
	u.CompletedSteps = data.Step(steps)
	return u, err
}

// GetUser implements data.UserStore
func (s *SQLStore) GetUser(ctx context.Context, id string) (data.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return data.User{}, fmt.Errorf("%w: %s", data.ErrUserNotFound, id)
	}
	if err != nil {
		return data.User{}, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return u, nil
}

// UpdateUser implements data.UserStore
func (s *SQLStore) UpdateUser(ctx context.Context, user data.User) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE users SET name = ?, is_admin = ?, completed_steps = ?, feedback = ? WHERE id = ?"),
		user.Name, user.IsAdmin, int(user.CompletedSteps), user.Feedback, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", data.ErrUserNotFound, user.ID)
	}
	return nil
}

// ListUsers implements data.UserStore
func (s *SQLStore) ListUsers(ctx context.Context) ([]data.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []data.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveSurvey implements data.UserStore. A second survey replaces the first.
func (s *SQLStore) SaveSurvey(ctx context.Context, answers data.SurveyAnswers) error {
	if answers.CreatedAt.IsZero() {
		answers.CreatedAt = time.Now().UTC()
	}
	habits, err := json.Marshal(answers.ReadingHabits)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrInvalidSurvey, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO survey_answers (user_id, reading_habits, interest_level, created_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (user_id) DO UPDATE SET reading_habits = excluded.reading_habits, "+
			"interest_level = excluded.interest_level, created_at = excluded.created_at"),
		answers.UserID, string(habits), answers.InterestLevel, answers.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save survey of %s: %w", answers.UserID, err)
	}
	return nil
}

// ListSurveys implements data.UserStore
func (s *SQLStore) ListSurveys(ctx context.Context) ([]data.SurveyAnswers, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, reading_habits, interest_level, created_at FROM survey_answers ORDER BY created_at, user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list surveys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var surveys []data.SurveyAnswers
	for rows.Next() {
		var (
			a      data.SurveyAnswers
			habits string
		)
		if err := rows.Scan(&a.UserID, &habits, &a.InterestLevel, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan survey: %w", err)
		}
		if err := json.Unmarshal([]byte(habits), &a.ReadingHabits); err != nil {
			return nil, fmt.Errorf("%w: reading habits of %s: %v", ErrCorruptedFile, a.UserID, err)
		}
		surveys = append(surveys, a)
	}
	return surveys, rows.Err()
}
