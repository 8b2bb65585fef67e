// nl2sql-cli asks questions against the NL2SQL pipeline and runs the
// ingestion jobs from a terminal.
//
// Usage:
//
//	go run ./scripts/nl2sql-cli ask "What classes does Sujatha Joshi take on Monday?"
//	go run ./scripts/nl2sql-cli ask --sql-only "Which rooms host physics labs?"
//	go run ./scripts/nl2sql-cli ingest entities --table teachers
//	go run ./scripts/nl2sql-cli ingest documents --file handbook.json
//	go run ./scripts/nl2sql-cli migrate
//
// Configuration is read the same way as the server (config.yaml, .env and
// environment variables).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/app"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/config"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	root := &cli.Command{
		Name:  "nl2sql-cli",
		Usage: "Ask questions and maintain the NL2SQL catalogs",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log at debug level"},
		},
		Commands: []*cli.Command{
			askCommand(),
			ingestCommand(),
			migrateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, os.Args); err != nil && !errors.Is(err, errAborted) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cli.Command) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if cmd.Bool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func withApp(ctx context.Context, cmd *cli.Command, fn func(a *app.App) error) error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cmd)
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Answer a question, prompting when a name is ambiguous",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sql-only", Usage: "print the assembled SQL instead of answering"},
			&cli.IntFlag{Name: "docs", Value: 0, Usage: "reference documents to consult (0 = server default, -1 = none)"},
			&cli.IntFlag{Name: "access-level", Value: 0, Usage: "only consult documents at or above this access level"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if question == "" {
				return cli.Exit("a question is required", 2)
			}
			in := bufio.NewReader(os.Stdin)

			return withApp(ctx, cmd, func(a *app.App) error {
				if cmd.Bool("sql-only") {
					return translate(ctx, a.Engine, in, question)
				}
				return answer(ctx, a.Answers, in, question, services.AnswerOptions{
					DocumentK:      cmd.Int("docs"),
					MinAccessLevel: cmd.Int("access-level"),
				})
			})
		},
	}
}

// translate runs the engine, blocking on stdin at every disambiguation pause.
func translate(ctx context.Context, engine services.NL2SQLEngine, in *bufio.Reader, question string) error {
	outcome, err := engine.Run(ctx, question)
	for err == nil {
		pending, ok := outcome.(*models.NeedsDisambiguation)
		if !ok {
			break
		}
		choices, promptErr := promptChoices(in, os.Stdout, pending.Pending)
		if promptErr != nil {
			return promptErr
		}
		outcome, err = engine.Resume(ctx, pending.Token, choices)
	}
	if err != nil {
		return err
	}
	printOutcome(os.Stdout, outcome)
	return nil
}

func answer(ctx context.Context, answers services.AnswerService, in *bufio.Reader, question string, opts services.AnswerOptions) error {
	result, err := answers.Answer(ctx, question, opts)
	for err == nil && result.NeedsDisambiguation() {
		pending := result.Outcome.(*models.NeedsDisambiguation)
		choices, promptErr := promptChoices(in, os.Stdout, pending.Pending)
		if promptErr != nil {
			return promptErr
		}
		result, err = answers.Resume(ctx, pending.Token, choices, opts)
	}
	if err != nil {
		return err
	}

	if result.Answer != "" {
		fmt.Printf("\n%s\n", result.Answer)
	} else {
		printOutcome(os.Stdout, result.Outcome)
	}
	if len(result.Sources) > 0 {
		fmt.Printf("\nSources: %s\n", strings.Join(result.Sources, ", "))
	}
	return nil
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Rebuild a catalog: entities, guidance, columns or documents",
		ArgsUsage: "<kind>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "table", Usage: "entities: only this table"},
			&cli.StringFlag{Name: "file", Usage: "documents: JSON array of {source, content, access_level}"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind := cmd.Args().First()
			var docs []services.DocumentInput
			switch kind {
			case "entities", "guidance", "columns":
			case "documents":
				path := cmd.String("file")
				if path == "" {
					return cli.Exit("documents ingestion needs --file", 2)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				if err := json.Unmarshal(data, &docs); err != nil {
					return fmt.Errorf("failed to parse %s: %w", path, err)
				}
			default:
				return cli.Exit("kind must be entities, guidance, columns or documents", 2)
			}

			return withApp(ctx, cmd, func(a *app.App) error {
				report, err := runIngest(ctx, a, kind, cmd.String("table"), docs)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d rows %v (%s)\n", report.Kind, report.Total, report.Counts, report.Elapsed)
				return nil
			})
		},
	}
}

func runIngest(ctx context.Context, a *app.App, kind, table string, docs []services.DocumentInput) (*services.IngestReport, error) {
	single := func(key string, n int, err error) (*services.IngestReport, error) {
		if err != nil {
			return nil, err
		}
		return &services.IngestReport{Kind: kind, Counts: map[string]int{key: n}, Total: n}, nil
	}

	switch kind {
	case "entities":
		if table != "" {
			n, err := a.EntityIngestion.IngestTable(ctx, table)
			return single(table, n, err)
		}
		return a.EntityIngestion.IngestAll(ctx)
	case "guidance":
		n, err := a.GuidanceIngestion.ReloadDefaults(ctx)
		return single("guidance_rules", n, err)
	case "columns":
		n, err := a.ColumnIngestion.Reload(ctx)
		return single("column_catalog", n, err)
	default:
		n, err := a.DocumentIngestion.Ingest(ctx, docs)
		return single("document_chunks", n, err)
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(Version)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cmd)
			defer func() { _ = logger.Sync() }()

			if err := database.MigrateURL(cfg.Database.ConnectionString(), cfg.MigrationsPath, logger); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
