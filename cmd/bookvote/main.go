// Package main provides the command-line interface of the bookvote competition.
// It starts the HTTP API or the terminal voting client and runs the admin
// operations (new rounds, resets, seeding, exports and verification) against
// the configured storage.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/elo"
	"github.com/pashagolub/bookvote/pkg/journal"
	"github.com/pashagolub/bookvote/pkg/store"
)

// Version information - set by build process
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// GlobalOptions are the flags accepted before any command
type GlobalOptions struct {
	data.CLIOptions

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// ErrorCode represents CLI exit codes
type ErrorCode int

const (
	ExitSuccess ErrorCode = iota
	ExitFileError
	ExitConfigError
	ExitStorageError
	ExitExportError
	ExitValidationError
	ExitRuntimeError
)

// CLIError represents a CLI error with exit code
type CLIError struct {
	Code        ErrorCode
	Message     string
	Details     map[string]any
	Suggestions []string
}

func (e *CLIError) Error() string {
	return e.Message
}

// formatErrorJSON formats error as JSON for structured output
func formatErrorJSON(err *CLIError) string {
	body := map[string]any{
		"code":    err.Code,
		"message": err.Message,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	if err.Suggestions != nil {
		body["suggestions"] = err.Suggestions
	}

	jsonBytes, _ := json.MarshalIndent(map[string]any{"error": body}, "", "  ")
	return string(jsonBytes)
}

func main() {
	global := &GlobalOptions{in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	if err := run(global, os.Args[1:]); err != nil {
		var cliErr *CLIError
		if errors.As(err, &cliErr) {
			fmt.Fprintln(os.Stderr, formatErrorJSON(cliErr))
			os.Exit(int(cliErr.Code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(ExitRuntimeError))
	}
}

func newParser(global *GlobalOptions) *flags.Parser {
	parser := flags.NewParser(global, flags.Default)
	parser.Usage = "[OPTIONS] COMMAND [COMMAND-OPTIONS]"

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"serve", "Start the HTTP API", "Serves the voting API and the realtime rankings stream until interrupted.", &ServeCommand{global: global}},
		{"vote", "Vote in the terminal", "Registers a participant and runs a comparison session in the terminal.", &VoteCommand{global: global}},
		{"export", "Export users, rankings or votes", "", &ExportCommand{global: global}},
		{"new-round", "Start a new voting round", "Closes the active round and resets the global scores. The vote log is kept.", &NewRoundCommand{global: global}},
		{"reset", "Reset scores and/or votes", "", &ResetCommand{global: global}},
		{"seed", "Add titles and covers from a YAML or CSV file", "", &SeedCommand{global: global}},
		{"verify", "Replay the vote log and check the audit journal", "", &VerifyCommand{global: global}},
		{"audit", "Show the audit journal", "Lists journal entries or event counts. The hash chain is checked while reading.", &AuditCommand{global: global}},
		{"config", "Show or save the effective configuration", "", &ConfigCommand{global: global}},
		{"hash-password", "Print the bcrypt hash of an admin password", "", &HashPasswordCommand{global: global}},
		{"version", "Show version information", "", &VersionCommand{global: global}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}
	return parser
}

func run(global *GlobalOptions, args []string) error {
	parser := newParser(global)

	_, err := parser.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			switch flagsErr.Type {
			case flags.ErrHelp:
				return nil
			case flags.ErrCommandRequired:
				parser.WriteHelp(global.errOut)
				return &CLIError{
					Code:    ExitConfigError,
					Message: "No command specified",
					Suggestions: []string{
						"Use 'bookvote seed items.yaml' to add titles and covers",
						"Use 'bookvote serve' to start the API",
						"Use 'bookvote --help' to see all available commands",
					},
				}
			default:
				return &CLIError{
					Code:    ExitConfigError,
					Message: fmt.Sprintf("Invalid arguments: %v", err),
				}
			}
		}
		return err
	}
	return nil
}

// runtime is everything a command needs to work on the competition
type runtime struct {
	config  *data.Config
	logger  *slog.Logger
	store   data.Store
	audit   *journal.AuditTrail
	catalog *data.Catalog
}

// open loads the configuration and the catalog. Commands that change state
// pass withAudit so their changes reach the audit journal when it is enabled.
func (g *GlobalOptions) open(ctx context.Context, logOut io.Writer, withAudit bool) (*runtime, error) {
	config, err := g.Load()
	if err != nil {
		return nil, &CLIError{
			Code:    ExitConfigError,
			Message: fmt.Sprintf("Failed to load configuration: %v", err),
			Suggestions: []string{
				"Check configuration file syntax",
				"Use --config flag to specify different config file",
				"Check BOOKVOTE_* environment variables",
			},
		}
	}
	return openWithConfig(ctx, config, logOut, withAudit)
}

func openWithConfig(ctx context.Context, config *data.Config, logOut io.Writer, withAudit bool) (*runtime, error) {
	rt := &runtime{config: config, logger: config.Log.NewLogger(logOut)}

	engine, err := elo.NewEngine(config.Elo)
	if err != nil {
		return nil, &CLIError{Code: ExitConfigError, Message: fmt.Sprintf("Invalid rating settings: %v", err)}
	}

	rt.store, err = store.Open(ctx, config.Storage, rt.logger)
	if err != nil {
		return nil, &CLIError{
			Code:    ExitStorageError,
			Message: fmt.Sprintf("Failed to open storage: %v", err),
			Details: map[string]any{"driver": config.Storage.Driver, "path": config.Storage.Path},
		}
	}

	opts := []data.CatalogOption{data.WithLogger(rt.logger)}
	if withAudit && config.Audit.Enabled {
		rt.audit, err = journal.NewAuditTrail(config.Audit.Path)
		if err != nil {
			_ = rt.store.Close()
			return nil, &CLIError{
				Code:        ExitFileError,
				Message:     fmt.Sprintf("Failed to open audit journal: %v", err),
				Details:     map[string]any{"file": config.Audit.Path},
				Suggestions: []string{"Run 'bookvote verify' to inspect the journal"},
			}
		}
		opts = append(opts, data.WithAuditor(rt.audit))
	}

	rt.catalog, err = data.NewCatalog(ctx, engine, rt.store, opts...)
	if err != nil {
		_ = rt.Close()
		return nil, &CLIError{Code: ExitStorageError, Message: fmt.Sprintf("Failed to load the competition: %v", err)}
	}
	return rt, nil
}

// Close releases the storage and the audit journal
func (rt *runtime) Close() error {
	var errs []error
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}

func showVersion(w io.Writer) error {
	fmt.Fprintf(w, "bookvote %s\n", Version)
	fmt.Fprintf(w, "Build Date: %s\n", BuildDate)
	fmt.Fprintf(w, "Git Commit: %s\n", GitCommit)
	return nil
}
