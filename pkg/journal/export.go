package journal

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pashagolub/bookvote/pkg/data"
)

// Error types for exports
var (
	ErrUnknownDataset = errors.New("unknown export dataset")
	ErrUnknownFormat  = errors.New("unknown export format")
)

// ExportFormat represents the format for exporting results
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ParseFormat converts user input into an ExportFormat.
func ParseFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Dataset names one exportable table
type Dataset string

const (
	DatasetUsers    Dataset = "users"
	DatasetRankings Dataset = "rankings"
	DatasetVotes    Dataset = "votes"
)

// Datasets lists every exportable dataset.
var Datasets = []Dataset{DatasetUsers, DatasetRankings, DatasetVotes}

// ParseDataset converts user input into a Dataset.
func ParseDataset(s string) (Dataset, error) {
	for _, d := range Datasets {
		if strings.EqualFold(strings.TrimSpace(s), string(d)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataset, s)
}

// Source is what the exporter reads from. *data.Catalog implements it.
type Source interface {
	Users(ctx context.Context) ([]data.User, error)
	Surveys(ctx context.Context) ([]data.SurveyAnswers, error)
	Votes() []data.Vote
	Registry(kind data.ItemKind) (*data.Registry, error)
	CurrentRound() data.Round
}

// UserRow is one line of the users export
type UserRow struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IsAdmin        bool      `json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedSteps int       `json:"completed_steps"`
	Feedback       string    `json:"feedback"`
	TotalVotes     int       `json:"total_votes"`
	ReadingHabits  []string  `json:"reading_habits"`
	InterestLevel  int       `json:"interest_level,omitempty"`
}

// RankingRow is one line of the global rankings export
type RankingRow struct {
	Kind        data.ItemKind `json:"kind"`
	Rank        int           `json:"rank"`
	ID          string        `json:"id"`
	Payload     string        `json:"payload"`
	GlobalScore float64       `json:"global_score"`
	VoteCount   int           `json:"vote_count"`
	IsActive    bool          `json:"is_active"`
	Round       int           `json:"round"`
}

// VoteRow is one line of the votes export
type VoteRow struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	UserName     string        `json:"user_name"`
	Kind         data.ItemKind `json:"kind"`
	WinnerItemID string        `json:"winner_item_id"`
	LoserItemID  string        `json:"loser_item_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Round        int           `json:"round"`
}

// Exporter writes datasets as CSV or JSON
type Exporter struct {
	source        Source
	roundDecimals int
	now           func() time.Time
}

// NewExporter creates an exporter reading from source. Scores are rounded to
// roundDecimals places.
func NewExporter(source Source, roundDecimals int) *Exporter {
	return &Exporter{
		source:        source,
		roundDecimals: roundDecimals,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Users builds the users dataset with vote counts and survey answers
func (e *Exporter) Users(ctx context.Context) ([]UserRow, error) {
	users, err := e.source.Users(ctx)
	if err != nil {
		return nil, err
	}
	surveys, err := e.source.Surveys(ctx)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]data.SurveyAnswers, len(surveys))
	for _, s := range surveys {
		byUser[s.UserID] = s
	}
	votes := make(map[string]int)
	for _, v := range e.source.Votes() {
		votes[v.UserID]++
	}

	rows := make([]UserRow, 0, len(users))
	for _, u := range users {
		survey := byUser[u.ID]
		rows = append(rows, UserRow{
			ID:             u.ID,
			Name:           u.Name,
			IsAdmin:        u.IsAdmin,
			CreatedAt:      u.CreatedAt,
			CompletedSteps: int(u.CompletedSteps),
			Feedback:       u.Feedback,
			TotalVotes:     votes[u.ID],
			ReadingHabits:  survey.ReadingHabits,
			InterestLevel:  survey.InterestLevel,
		})
	}
	return rows, nil
}

// Rankings builds the global rankings of every item, inactive ones included
func (e *Exporter) Rankings() ([]RankingRow, error) {
	round := e.source.CurrentRound().Number
	var rows []RankingRow
	for _, kind := range data.Kinds {
		reg, err := e.source.Registry(kind)
		if err != nil {
			return nil, err
		}
		items := reg.Items()
		sort.SliceStable(items, func(i, j int) bool { return items[i].GlobalScore > items[j].GlobalScore })
		for i, it := range items {
			rows = append(rows, RankingRow{
				Kind:        kind,
				Rank:        i + 1,
				ID:          it.ID,
				Payload:     it.Payload,
				GlobalScore: e.round(it.GlobalScore),
				VoteCount:   it.VoteCount,
				IsActive:    it.IsActive,
				Round:       round,
			})
		}
	}
	return rows, nil
}

// Votes builds the vote log with user names
func (e *Exporter) Votes(ctx context.Context) ([]VoteRow, error) {
	users, err := e.source.Users(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}

	votes := e.source.Votes()
	rows := make([]VoteRow, 0, len(votes))
	for _, v := range votes {
		rows = append(rows, VoteRow{
			ID:           v.ID,
			UserID:       v.UserID,
			UserName:     names[v.UserID],
			Kind:         v.ItemType,
			WinnerItemID: v.WinnerItemID,
			LoserItemID:  v.LoserItemID,
			Timestamp:    v.Timestamp,
			Round:        v.Round,
		})
	}
	return rows, nil
}

func (e *Exporter) round(f float64) float64 {
	p := math.Pow(10, float64(e.roundDecimals))
	return math.Round(f*p) / p
}

func (e *Exporter) formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', e.roundDecimals, 64)
}

// Export writes dataset to w in the given format
func (e *Exporter) Export(ctx context.Context, dataset Dataset, format ExportFormat, w io.Writer) error {
	if format != FormatCSV && format != FormatJSON {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	var (
		rows   any
		header []string
		lines  [][]string
	)
	switch dataset {
	case DatasetUsers:
		users, err := e.Users(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect users: %w", err)
		}
		rows = users
		header = []string{"id", "name", "is_admin", "created_at", "completed_steps", "feedback",
			"total_votes", "reading_habits", "interest_level"}
		for _, u := range users {
			interest := ""
			if u.InterestLevel > 0 {
				interest = strconv.Itoa(u.InterestLevel)
			}
			lines = append(lines, []string{u.ID, u.Name, strconv.FormatBool(u.IsAdmin),
				u.CreatedAt.Format(time.RFC3339), strconv.Itoa(u.CompletedSteps), u.Feedback,
				strconv.Itoa(u.TotalVotes), strings.Join(u.ReadingHabits, "; "), interest})
		}
	case DatasetRankings:
		rankings, err := e.Rankings()
		if err != nil {
			return fmt.Errorf("failed to collect rankings: %w", err)
		}
		rows = rankings
		header = []string{"kind", "rank", "id", "payload", "global_score", "vote_count", "is_active", "round"}
		for _, r := range rankings {
			lines = append(lines, []string{string(r.Kind), strconv.Itoa(r.Rank), r.ID, r.Payload,
				e.formatFloat(r.GlobalScore), strconv.Itoa(r.VoteCount), strconv.FormatBool(r.IsActive),
				strconv.Itoa(r.Round)})
		}
	case DatasetVotes:
		votes, err := e.Votes(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect votes: %w", err)
		}
		rows = votes
		header = []string{"id", "user_id", "user_name", "kind", "winner_item_id", "loser_item_id", "timestamp", "round"}
		for _, v := range votes {
			lines = append(lines, []string{v.ID, v.UserID, v.UserName, string(v.Kind), v.WinnerItemID,
				v.LoserItemID, v.Timestamp.Format(time.RFC3339), strconv.Itoa(v.Round)})
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
	}

	if format == FormatJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(rows); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	if err := writer.WriteAll(lines); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

// FileName returns the default file name of an export made now
func (e *Exporter) FileName(dataset Dataset, format ExportFormat) string {
	return fmt.Sprintf("bookvote_%s_%s.%s", dataset, e.now().Format("20060102_150405"), format)
}

// ExportToFile writes dataset into directory atomically and returns the file path
func (e *Exporter) ExportToFile(ctx context.Context, dataset Dataset, format ExportFormat, directory string) (string, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(directory, e.FileName(dataset, format))
	tempFile := path + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	if err := e.Export(ctx, dataset, format, file); err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempFile)
		return "", fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return "", fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return path, nil
}
