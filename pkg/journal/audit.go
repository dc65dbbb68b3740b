// Package journal provides the audit trail and the data exports of the voting
// application. The audit trail is an append-only JSON Lines file in which every
// entry carries the hash of the previous one, so edits and deletions are
// detected when the file is verified.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error types for audit trail operations
var (
	ErrAuditLogCorrupted = errors.New("audit log corrupted or tampered")
	ErrInvalidLogEntry   = errors.New("invalid log entry format")
	ErrTrailClosed       = errors.New("audit trail is closed")
)

// AuditEntry represents a single entry in the audit log
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`

	PreviousHash string `json:"previous_hash"` // Hash of previous entry (tamper detection)
	EntryHash    string `json:"entry_hash"`
	Sequence     uint64 `json:"sequence"`
}

// AuditTrail manages the append-only audit log. It implements data.Auditor.
type AuditTrail struct {
	path     string
	file     *os.File
	mutex    sync.Mutex
	lastHash string
	sequence uint64
	now      func() time.Time
}

// NewAuditTrail opens the audit log at path, creating it when missing. An
// existing log is verified before new entries are appended to it.
func NewAuditTrail(path string) (*AuditTrail, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	a := &AuditTrail{path: path, now: func() time.Time { return time.Now().UTC() }}

	state, err := a.scan(nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit log validation failed: %w", err)
	}
	a.lastHash, a.sequence = state.lastHash, state.sequence

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	a.file = file
	return a, nil
}

type chainState struct {
	lastHash string
	sequence uint64
}

// scan walks the log verifying the hash chain and hands each entry to visit
func (a *AuditTrail) scan(visit func(AuditEntry)) (chainState, error) {
	var state chainState
	readFile, err := os.Open(a.path)
	if err != nil {
		return state, err
	}
	defer func() { _ = readFile.Close() }()

	return state, walkChain(readFile, &state, visit)
}

func walkChain(r io.Reader, state *chainState, visit func(AuditEntry)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("%w: invalid JSON at sequence %d: %v", ErrInvalidLogEntry, state.sequence, err)
		}
		if entry.Sequence != state.sequence {
			return fmt.Errorf("%w: sequence mismatch: expected %d, got %d",
				ErrAuditLogCorrupted, state.sequence, entry.Sequence)
		}
		if entry.PreviousHash != state.lastHash {
			return fmt.Errorf("%w: hash chain broken at sequence %d", ErrAuditLogCorrupted, state.sequence)
		}
		if entry.EntryHash != calculateEntryHash(&entry) {
			return fmt.Errorf("%w: entry hash mismatch at sequence %d", ErrAuditLogCorrupted, state.sequence)
		}

		if visit != nil {
			visit(entry)
		}
		state.lastHash = entry.EntryHash
		state.sequence++
	}
	return scanner.Err()
}

// Record appends an event to the log
func (a *AuditTrail) Record(eventType string, data map[string]any) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.file == nil {
		return ErrTrailClosed
	}

	entry := AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    a.now(),
		EventType:    eventType,
		Data:         data,
		PreviousHash: a.lastHash,
		Sequence:     a.sequence,
	}
	entry.EntryHash = calculateEntryHash(&entry)

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := a.file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	a.lastHash = entry.EntryHash
	a.sequence++
	return nil
}

// calculateEntryHash computes the SHA-256 hash of an entry's content
func calculateEntryHash(entry *AuditEntry) string {
	hashContent := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		entry.ID,
		entry.Timestamp.Format(time.RFC3339Nano),
		entry.EventType,
		entry.PreviousHash,
		entry.Sequence,
		hashData(entry.Data))

	hash := sha256.Sum256([]byte(hashContent))
	return hex.EncodeToString(hash[:])
}

// hashData hashes the JSON form of data; map keys are marshalled sorted
func hashData(data map[string]any) string {
	jsonData, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// Close closes the audit trail and releases resources
func (a *AuditTrail) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Path returns the path to the audit log file
func (a *AuditTrail) Path() string {
	return a.path
}

// Sequence returns the number of entries written so far
func (a *AuditTrail) Sequence() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.sequence
}

// VerifyFile checks the hash chain of an audit log without opening it for writing.
func VerifyFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	var state chainState
	if err := walkChain(file, &state, nil); err != nil {
		return state.sequence, err
	}
	return state.sequence, nil
}

// QueryOptions defines filtering criteria for audit log queries
type QueryOptions struct {
	EventTypes []string   `json:"event_types,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	ItemID     string     `json:"item_id,omitempty"` // Matches item_id, winner_id or loser_id
	UserID     string     `json:"user_id,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// QueryResult contains the results of an audit log query
type QueryResult struct {
	Entries    []AuditEntry `json:"entries"`
	TotalCount int          `json:"total_count"`
	HasMore    bool         `json:"has_more"`
}

// Query searches the audit log for entries matching the specified criteria
func (a *AuditTrail) Query(options QueryOptions) (*QueryResult, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var allMatches []AuditEntry
	_, err := a.scan(func(entry AuditEntry) {
		if matchesQuery(&entry, options) {
			allMatches = append(allMatches, entry)
		}
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading audit log during query: %w", err)
	}

	totalCount := len(allMatches)
	start := min(max(options.Offset, 0), totalCount)
	end := totalCount
	if options.Limit > 0 && start+options.Limit < totalCount {
		end = start + options.Limit
	}

	return &QueryResult{
		Entries:    allMatches[start:end],
		TotalCount: totalCount,
		HasMore:    end < totalCount,
	}, nil
}

func dataString(entry *AuditEntry, key string) string {
	s, _ := entry.Data[key].(string)
	return s
}

// matchesQuery determines if an entry matches the query criteria
func matchesQuery(entry *AuditEntry, options QueryOptions) bool {
	if len(options.EventTypes) > 0 {
		matches := false
		for _, eventType := range options.EventTypes {
			if entry.EventType == eventType {
				matches = true
				break
			}
		}
		if !matches {
			return false
		}
	}

	if options.StartTime != nil && entry.Timestamp.Before(*options.StartTime) {
		return false
	}
	if options.EndTime != nil && entry.Timestamp.After(*options.EndTime) {
		return false
	}

	if options.ItemID != "" &&
		dataString(entry, "item_id") != options.ItemID &&
		dataString(entry, "winner_id") != options.ItemID &&
		dataString(entry, "loser_id") != options.ItemID {
		return false
	}
	if options.UserID != "" && dataString(entry, "user_id") != options.UserID {
		return false
	}
	return true
}

// AuditStatistics provides summary information about the audit log
type AuditStatistics struct {
	TotalEntries int            `json:"total_entries"`
	EventCounts  map[string]int `json:"event_counts"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
}

// Statistics returns statistics about the audit log
func (a *AuditTrail) Statistics() (*AuditStatistics, error) {
	result, err := a.Query(QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to generate statistics: %w", err)
	}

	stats := &AuditStatistics{
		TotalEntries: result.TotalCount,
		EventCounts:  make(map[string]int),
	}
	if len(result.Entries) > 0 {
		stats.FirstEntry = &result.Entries[0].Timestamp
		stats.LastEntry = &result.Entries[len(result.Entries)-1].Timestamp
	}
	for _, entry := range result.Entries {
		stats.EventCounts[entry.EventType]++
	}
	return stats, nil
}
