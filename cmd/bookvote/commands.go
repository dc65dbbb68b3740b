package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/journal"
	"github.com/pashagolub/bookvote/pkg/server"
	"github.com/pashagolub/bookvote/pkg/tui"
	"github.com/pashagolub/bookvote/pkg/tui/screens"
)

// ServeCommand handles 'bookvote serve'
type ServeCommand struct {
	Addr string `long:"addr" description:"Listen address, overrides server.addr"`

	global *GlobalOptions
}

// Execute implements the Command interface for ServeCommand
func (c *ServeCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := c.global.open(ctx, c.global.errOut, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if c.Addr != "" {
		rt.config.Server.Addr = c.Addr
	}
	srv, err := server.New(rt.config.Server, rt.config.Session, rt.config.Export, rt.catalog, rt.logger)
	if err != nil {
		return &CLIError{Code: ExitConfigError, Message: fmt.Sprintf("Invalid server settings: %v", err)}
	}

	rt.logger.Info("starting API", "addr", rt.config.Server.Addr, "round", rt.catalog.CurrentRound().Number)
	if err := srv.Run(ctx); err != nil {
		return &CLIError{
			Code:    ExitRuntimeError,
			Message: fmt.Sprintf("Server stopped: %v", err),
			Details: map[string]any{"addr": rt.config.Server.Addr},
		}
	}
	rt.logger.Info("API stopped")
	return nil
}

// VoteCommand handles 'bookvote vote'
type VoteCommand struct {
	TitleRounds int    `long:"title-rounds" description:"Title comparisons per session, overrides session.max_title_rounds"`
	CoverRounds int    `long:"cover-rounds" description:"Cover comparisons per session, overrides session.max_cover_rounds"`
	LogFile     string `long:"log-file" description:"Write logs to this file while the terminal UI runs"`

	global *GlobalOptions
}

// Execute implements the Command interface for VoteCommand
func (c *VoteCommand) Execute(args []string) error {
	// the terminal belongs to the UI, logs go to a file or nowhere
	logOut := io.Discard
	if c.LogFile != "" {
		file, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return &CLIError{
				Code:    ExitFileError,
				Message: fmt.Sprintf("Failed to open log file: %v", err),
				Details: map[string]any{"file": c.LogFile},
			}
		}
		defer func() { _ = file.Close() }()
		logOut = file
	}

	rt, err := c.global.open(context.Background(), logOut, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	sessionCfg := rt.config.Session
	if c.TitleRounds != 0 {
		sessionCfg.MaxTitleRounds = c.TitleRounds
	}
	if c.CoverRounds != 0 {
		sessionCfg.MaxCoverRounds = c.CoverRounds
	}

	app, err := tui.NewApp(rt.catalog, sessionCfg)
	if err != nil {
		return &CLIError{Code: ExitConfigError, Message: fmt.Sprintf("Invalid session settings: %v", err)}
	}
	for screenType, screen := range map[tui.ScreenType]tui.Screen{
		tui.ScreenSetup:      screens.NewSetupScreen(),
		tui.ScreenComparison: screens.NewComparisonScreen(),
		tui.ScreenRanking:    screens.NewRankingScreen(),
		tui.ScreenHelp:       tui.NewHelpScreen(),
	} {
		if err := app.RegisterScreen(screenType, screen); err != nil {
			return err
		}
	}

	if err := app.Run(); err != nil {
		return &CLIError{Code: ExitRuntimeError, Message: fmt.Sprintf("Terminal UI failed: %v", err)}
	}
	return nil
}

// ExportCommand handles 'bookvote export'
type ExportCommand struct {
	Dataset string `long:"dataset" short:"d" description:"Data to export (users/rankings/votes)" default:"rankings"`
	Format  string `long:"format" short:"f" description:"Export format (csv/json), overrides export.format"`
	Output  string `long:"output" short:"o" description:"Output file path, stdout when empty"`
	ToDir   bool   `long:"to-dir" description:"Write a timestamped file into export.directory"`

	global *GlobalOptions
}

// Execute implements the Command interface for ExportCommand
func (c *ExportCommand) Execute(args []string) error {
	dataset, err := journal.ParseDataset(c.Dataset)
	if err != nil {
		return &CLIError{
			Code:        ExitValidationError,
			Message:     err.Error(),
			Suggestions: []string{"Use one of: users, rankings, votes"},
		}
	}

	ctx := context.Background()
	rt, err := c.global.open(ctx, c.global.errOut, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	formatName := c.Format
	if formatName == "" {
		formatName = rt.config.Export.Format
	}
	format, err := journal.ParseFormat(formatName)
	if err != nil {
		return &CLIError{
			Code:        ExitValidationError,
			Message:     err.Error(),
			Suggestions: []string{"Use csv or json"},
		}
	}
	exporter := journal.NewExporter(rt.catalog, rt.config.Export.RoundDecimals)

	switch {
	case c.ToDir:
		path, err := exporter.ExportToFile(ctx, dataset, format, rt.config.Export.Directory)
		if err != nil {
			return exportError(err, rt.config.Export.Directory)
		}
		fmt.Fprintln(c.global.out, path)
	case c.Output != "":
		file, err := os.Create(c.Output)
		if err != nil {
			return exportError(err, c.Output)
		}
		if err := exporter.Export(ctx, dataset, format, file); err != nil {
			_ = file.Close()
			return exportError(err, c.Output)
		}
		if err := file.Close(); err != nil {
			return exportError(err, c.Output)
		}
	default:
		if err := exporter.Export(ctx, dataset, format, c.global.out); err != nil {
			return exportError(err, "stdout")
		}
	}
	return nil
}

func exportError(err error, target string) *CLIError {
	return &CLIError{
		Code:    ExitExportError,
		Message: fmt.Sprintf("Export failed: %v", err),
		Details: map[string]any{"target": target},
	}
}

// NewRoundCommand handles 'bookvote new-round'
type NewRoundCommand struct {
	global *GlobalOptions
}

// Execute implements the Command interface for NewRoundCommand
func (c *NewRoundCommand) Execute(args []string) error {
	ctx := context.Background()
	rt, err := c.global.open(ctx, c.global.errOut, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	round, err := rt.catalog.NewRound(ctx)
	if err != nil {
		return &CLIError{Code: ExitStorageError, Message: fmt.Sprintf("Failed to start a new round: %v", err)}
	}
	fmt.Fprintf(c.global.out, "Started round %d\n", round.Number)
	return nil
}

// ResetCommand handles 'bookvote reset'
type ResetCommand struct {
	Scores bool `long:"scores" description:"Reset global scores and vote counts to the initial rating"`
	Votes  bool `long:"votes" description:"Delete the vote log"`
	Hard   bool `long:"hard" description:"Delete votes, surveys and rounds and reset every score"`
	Yes    bool `long:"yes" short:"y" description:"Confirm a hard reset"`

	global *GlobalOptions
}

// Execute implements the Command interface for ResetCommand
func (c *ResetCommand) Execute(args []string) error {
	switch {
	case !c.Scores && !c.Votes && !c.Hard:
		return &CLIError{
			Code:        ExitValidationError,
			Message:     "Nothing to reset",
			Suggestions: []string{"Pass --scores, --votes or both", "Use --hard --yes to start over"},
		}
	case c.Hard && (c.Scores || c.Votes):
		return &CLIError{Code: ExitValidationError, Message: "--hard cannot be combined with --scores or --votes"}
	case c.Hard && !c.Yes:
		return &CLIError{
			Code:        ExitValidationError,
			Message:     "A hard reset deletes all votes and surveys",
			Suggestions: []string{"Repeat with --yes to confirm"},
		}
	}

	ctx := context.Background()
	rt, err := c.global.open(ctx, c.global.errOut, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if c.Hard {
		round, err := rt.catalog.HardReset(ctx)
		if err != nil {
			return &CLIError{Code: ExitStorageError, Message: fmt.Sprintf("Hard reset failed: %v", err)}
		}
		fmt.Fprintf(c.global.out, "Competition reset, now in round %d\n", round.Number)
		return nil
	}
	if c.Votes {
		if err := rt.catalog.ClearVotes(ctx); err != nil {
			return &CLIError{Code: ExitStorageError, Message: fmt.Sprintf("Failed to clear votes: %v", err)}
		}
		fmt.Fprintln(c.global.out, "Votes cleared")
	}
	if c.Scores {
		if err := rt.catalog.ResetScores(ctx); err != nil {
			return &CLIError{Code: ExitStorageError, Message: fmt.Sprintf("Failed to reset scores: %v", err)}
		}
		fmt.Fprintln(c.global.out, "Scores reset")
	}
	return nil
}

// SeedCommand handles 'bookvote seed'
type SeedCommand struct {
	Args struct {
		File string `positional-arg-name:"FILE" description:"YAML file with titles and covers lists or CSV with kind,payload columns"`
	} `positional-args:"yes" required:"yes"`
	Replace []string `long:"replace" choice:"titles" choice:"covers" description:"Make the file's items of this type the only active ones (can repeat)"`

	global *GlobalOptions
}

// Execute implements the Command interface for SeedCommand
func (c *SeedCommand) Execute(args []string) error {
	items, err := data.LoadSeedFile(c.Args.File)
	if err != nil {
		return &CLIError{
			Code:    ExitFileError,
			Message: fmt.Sprintf("Failed to read seed file: %v", err),
			Details: map[string]any{"file": c.Args.File},
			Suggestions: []string{
				"Use a .yaml file with titles and covers lists",
				"Use a .csv file with kind and payload columns",
			},
		}
	}

	ctx := context.Background()
	rt, err := c.global.open(ctx, c.global.errOut, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	replace := make(map[data.ItemKind][]string)
	for _, name := range c.Replace {
		kind, err := data.ParseItemKind(name)
		if err != nil {
			return &CLIError{Code: ExitValidationError, Message: err.Error()}
		}
		replace[kind] = []string{}
	}
	var rest []data.SeedItem
	for _, it := range items {
		if payloads, ok := replace[it.Kind]; ok {
			replace[it.Kind] = append(payloads, it.Payload)
			continue
		}
		rest = append(rest, it)
	}

	for _, kind := range data.Kinds {
		payloads, ok := replace[kind]
		if !ok {
			continue
		}
		if len(payloads) == 0 {
			return &CLIError{
				Code:    ExitValidationError,
				Message: fmt.Sprintf("Seed file has no %ss to replace with", kind),
				Details: map[string]any{"file": c.Args.File},
			}
		}
		res, err := rt.catalog.ReplaceItems(ctx, kind, payloads)
		if err != nil {
			return &CLIError{
				Code:    ExitStorageError,
				Message: fmt.Sprintf("Replacing %ss stopped: %v", kind, err),
				Details: map[string]any{"added": res.Added, "reactivated": res.Reactivated, "deactivated": res.Deactivated},
			}
		}
		fmt.Fprintf(c.global.out, "Replaced %ss: %d added, %d reactivated, %d deactivated\n",
			kind, res.Added, res.Reactivated, res.Deactivated)
	}
	if len(replace) > 0 && len(rest) == 0 {
		return nil
	}

	added, err := rt.catalog.Seed(ctx, rest)
	if err != nil {
		return &CLIError{
			Code:    ExitStorageError,
			Message: fmt.Sprintf("Seeding stopped after %d items: %v", added, err),
		}
	}
	fmt.Fprintf(c.global.out, "Added %d of %d items\n", added, len(rest))
	return nil
}

// VerifyCommand handles 'bookvote verify'
type VerifyCommand struct {
	AuditFile string `long:"audit-file" description:"Audit journal to check, defaults to audit.path when auditing is enabled"`
	JSON      bool   `long:"json" description:"Print the report as JSON"`

	global *GlobalOptions
}

// auditCheck is the audit journal part of the verify report
type auditCheck struct {
	Path    string `json:"path"`
	Entries uint64 `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// Execute implements the Command interface for VerifyCommand
func (c *VerifyCommand) Execute(args []string) error {
	rt, err := c.global.open(context.Background(), c.global.errOut, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	report, err := rt.catalog.Verify()
	if err != nil {
		return &CLIError{Code: ExitRuntimeError, Message: fmt.Sprintf("Replay failed: %v", err)}
	}

	var audit *auditCheck
	path := c.AuditFile
	if path == "" && rt.config.Audit.Enabled {
		path = rt.config.Audit.Path
	}
	if path != "" {
		audit = &auditCheck{Path: path}
		audit.Entries, err = journal.VerifyFile(path)
		if err != nil && !(c.AuditFile == "" && errors.Is(err, os.ErrNotExist)) {
			audit.Error = err.Error()
		}
	}

	if c.JSON {
		encoder := json.NewEncoder(c.global.out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(map[string]any{"scores": report, "audit": audit}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(c.global.out, "Round %d: replayed %d votes over %d items\n", report.Round, report.Votes, report.Items)
		for _, m := range report.Mismatches {
			fmt.Fprintf(c.global.out, "  %s %s: stored %.2f (%d votes), replayed %.2f (%d votes)\n",
				m.Kind, m.ItemID, m.StoredScore, m.StoredVotes, m.ReplayedScore, m.ReplayedVotes)
		}
		if audit != nil {
			fmt.Fprintf(c.global.out, "Audit journal %s: %d entries\n", audit.Path, audit.Entries)
			if audit.Error != "" {
				fmt.Fprintf(c.global.out, "  %s\n", audit.Error)
			}
		}
	}

	if !report.OK() || (audit != nil && audit.Error != "") {
		return &CLIError{
			Code:    ExitValidationError,
			Message: "Verification failed",
			Details: map[string]any{"mismatches": len(report.Mismatches), "round": report.Round},
		}
	}
	return nil
}

// HashPasswordCommand handles 'bookvote hash-password'
type HashPasswordCommand struct {
	Cost int `long:"cost" description:"bcrypt cost" default:"10"`
	Args struct {
		Password string `positional-arg-name:"PASSWORD" description:"Password to hash, read from stdin when omitted"`
	} `positional-args:"yes"`

	global *GlobalOptions
}

// Execute implements the Command interface for HashPasswordCommand
func (c *HashPasswordCommand) Execute(args []string) error {
	if c.Cost < bcrypt.MinCost || c.Cost > bcrypt.MaxCost {
		return &CLIError{
			Code:    ExitValidationError,
			Message: fmt.Sprintf("Cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost),
		}
	}

	password := c.Args.Password
	if password == "" {
		var err error
		if password, err = c.readPassword(); err != nil {
			return &CLIError{Code: ExitRuntimeError, Message: fmt.Sprintf("Failed to read password: %v", err)}
		}
	}
	if password == "" {
		return &CLIError{Code: ExitValidationError, Message: "Password cannot be empty"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.Cost)
	if err != nil {
		return &CLIError{Code: ExitValidationError, Message: fmt.Sprintf("Failed to hash password: %v", err)}
	}
	fmt.Fprintln(c.global.out, string(hash))
	fmt.Fprintln(c.global.errOut, "Set it as server.admin_password_hash or BOOKVOTE_SERVER_ADMIN_PASSWORD_HASH")
	return nil
}

// readPassword prompts without echo on a terminal and reads one line otherwise
func (c *HashPasswordCommand) readPassword() (string, error) {
	if f, ok := c.global.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.global.errOut, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.global.errOut)
		return string(raw), err
	}
	line, err := bufio.NewReader(c.global.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// VersionCommand handles 'bookvote version'
type VersionCommand struct {
	global *GlobalOptions
}

// Execute implements the Command interface for VersionCommand
func (c *VersionCommand) Execute(args []string) error {
	return showVersion(c.global.out)
}

// AuditCommand handles 'bookvote audit'
type AuditCommand struct {
	Types  []string      `long:"type" short:"t" description:"Only show these event types (repeatable)"`
	Item   string        `long:"item" description:"Only show events about this item"`
	User   string        `long:"user" description:"Only show events of this participant"`
	Since  time.Duration `long:"since" description:"Only show events newer than this, e.g. 24h"`
	Limit  int           `long:"limit" short:"n" description:"Maximum number of entries" default:"20"`
	Offset int           `long:"offset" description:"Number of matching entries to skip"`
	Stats  bool          `long:"stats" description:"Print event counts instead of entries"`
	JSON   bool          `long:"json" description:"Print JSON"`

	global *GlobalOptions
}

// Execute implements the Command interface for AuditCommand
func (c *AuditCommand) Execute(args []string) error {
	config, err := c.global.Load()
	if err != nil {
		return &CLIError{Code: ExitConfigError, Message: fmt.Sprintf("Failed to load configuration: %v", err)}
	}
	path := config.Audit.Path
	if _, err := os.Stat(path); err != nil {
		return &CLIError{
			Code:        ExitFileError,
			Message:     fmt.Sprintf("No audit journal: %v", err),
			Details:     map[string]any{"file": path},
			Suggestions: []string{"Enable audit.enabled and run an admin command or the API first"},
		}
	}

	trail, err := journal.NewAuditTrail(path)
	if err != nil {
		return &CLIError{
			Code:        ExitValidationError,
			Message:     fmt.Sprintf("Failed to open audit journal: %v", err),
			Details:     map[string]any{"file": path},
			Suggestions: []string{"Run 'bookvote verify' for details"},
		}
	}
	defer func() { _ = trail.Close() }()

	if c.Stats {
		stats, err := trail.Statistics()
		if err != nil {
			return &CLIError{Code: ExitRuntimeError, Message: err.Error()}
		}
		if c.JSON {
			return c.writeJSON(stats)
		}
		fmt.Fprintf(c.global.out, "%d entries in %s\n", stats.TotalEntries, path)
		if stats.FirstEntry != nil {
			fmt.Fprintf(c.global.out, "from %s to %s\n",
				stats.FirstEntry.Format(time.RFC3339), stats.LastEntry.Format(time.RFC3339))
		}
		events := make([]string, 0, len(stats.EventCounts))
		for event := range stats.EventCounts {
			events = append(events, event)
		}
		sort.Strings(events)
		for _, event := range events {
			fmt.Fprintf(c.global.out, "  %-20s %d\n", event, stats.EventCounts[event])
		}
		return nil
	}

	options := journal.QueryOptions{
		EventTypes: c.Types,
		ItemID:     c.Item,
		UserID:     c.User,
		Limit:      c.Limit,
		Offset:     c.Offset,
	}
	if c.Since > 0 {
		start := time.Now().Add(-c.Since)
		options.StartTime = &start
	}
	result, err := trail.Query(options)
	if err != nil {
		return &CLIError{Code: ExitRuntimeError, Message: err.Error()}
	}
	if c.JSON {
		return c.writeJSON(result)
	}
	for _, entry := range result.Entries {
		payload, _ := json.Marshal(entry.Data)
		fmt.Fprintf(c.global.out, "%5d %s %-20s %s\n",
			entry.Sequence, entry.Timestamp.Format(time.RFC3339), entry.EventType, payload)
	}
	if result.HasMore {
		fmt.Fprintf(c.global.out, "... %d of %d matching entries shown\n", len(result.Entries), result.TotalCount)
	}
	return nil
}

func (c *AuditCommand) writeJSON(v any) error {
	encoder := json.NewEncoder(c.global.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// ConfigCommand handles 'bookvote config'
type ConfigCommand struct {
	Output string `long:"output" short:"o" description:"Write the effective configuration to this YAML file"`

	global *GlobalOptions
}

const redacted = "<redacted>"

// Execute implements the Command interface for ConfigCommand
func (c *ConfigCommand) Execute(args []string) error {
	config, err := c.global.Load()
	if err != nil {
		return &CLIError{Code: ExitConfigError, Message: fmt.Sprintf("Failed to load configuration: %v", err)}
	}

	if c.Output != "" {
		if err := config.SaveToFile(c.Output); err != nil {
			return &CLIError{
				Code:    ExitFileError,
				Message: fmt.Sprintf("Failed to save configuration: %v", err),
				Details: map[string]any{"file": c.Output},
			}
		}
		fmt.Fprintf(c.global.out, "Configuration written to %s\n", c.Output)
		return nil
	}

	shown := *config
	for _, secret := range []*string{&shown.Storage.DSN, &shown.Server.JWTSecret, &shown.Server.AdminPasswordHash} {
		if *secret != "" {
			*secret = redacted
		}
	}
	encoder := yaml.NewEncoder(c.global.out)
	encoder.SetIndent(2)
	if err := encoder.Encode(shown); err != nil {
		return err
	}
	return encoder.Close()
}
