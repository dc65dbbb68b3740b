package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Error types for seed files
var (
	ErrSeedFormat = errors.New("seed file format error")
)

// SeedItem is one item listed in a seed file
type SeedItem struct {
	Kind    ItemKind `yaml:"kind"`
	Payload string   `yaml:"payload"`
}

// SeedFile lists the initial titles and covers of a competition
type SeedFile struct {
	Titles []string `yaml:"titles"`
	Covers []string `yaml:"covers"`
}

// Items flattens the seed file in title, cover order.
func (f SeedFile) Items() []SeedItem {
	items := make([]SeedItem, 0, len(f.Titles)+len(f.Covers))
	for _, t := range f.Titles {
		items = append(items, SeedItem{Kind: KindTitle, Payload: t})
	}
	for _, c := range f.Covers {
		items = append(items, SeedItem{Kind: KindCover, Payload: c})
	}
	return items
}

// LoadSeedFile reads items from a YAML file (titles/covers lists) or a CSV
// file with kind and payload columns.
func LoadSeedFile(filename string) ([]SeedItem, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %s: %v", ErrSeedFormat, filename, err)
	}
	defer func() { _ = file.Close() }()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return ParseSeedYAML(file)
	case ".csv":
		return ParseSeedCSV(file)
	}
	return nil, fmt.Errorf("%w: unsupported extension %q", ErrSeedFormat, filepath.Ext(filename))
}

// ParseSeedYAML reads a titles/covers YAML document.
func ParseSeedYAML(r io.Reader) ([]SeedItem, error) {
	var f SeedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrSeedFormat, err)
	}
	return validateSeed(f.Items())
}

// ParseSeedCSV reads a CSV with a header row containing "kind" and "payload".
func ParseSeedCSV(r io.Reader) ([]SeedItem, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse CSV: %v", ErrSeedFormat, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	kindCol, payloadCol := -1, -1
	for i, h := range records[0] {
		switch strings.TrimSpace(strings.ToLower(h)) {
		case "kind", "type":
			kindCol = i
		case "payload", "text", "url":
			payloadCol = i
		}
	}
	if kindCol < 0 || payloadCol < 0 {
		return nil, fmt.Errorf("%w: header must contain kind and payload columns", ErrSeedFormat)
	}

	var items []SeedItem
	for n, row := range records[1:] {
		if len(row) <= kindCol || len(row) <= payloadCol {
			return nil, fmt.Errorf("%w: row %d has %d columns", ErrSeedFormat, n+2, len(row))
		}
		kind, err := ParseItemKind(row[kindCol])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrSeedFormat, n+2, err)
		}
		items = append(items, SeedItem{Kind: kind, Payload: row[payloadCol]})
	}
	return validateSeed(items)
}

func validateSeed(items []SeedItem) ([]SeedItem, error) {
	out := items[:0]
	for i, it := range items {
		it.Payload = strings.TrimSpace(it.Payload)
		if it.Payload == "" {
			return nil, fmt.Errorf("%w: item %d: %v", ErrSeedFormat, i+1, ErrEmptyPayload)
		}
		out = append(out, it)
	}
	return out, nil
}
