package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/migration"
)

// =============================================================================
// 🗄️ migrate 子命令
// =============================================================================

// cmdMigrate 处理 `taskgraph migrate <subcommand> [flags] [arg]`
func cmdMigrate(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	sub := args[0]

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql, sqlite")
	dbURL := fs.String("db-url", "", "Database connection URL")
	timeout := fs.Duration("timeout", 5*time.Minute, "Abort after this duration")
	asJSON := fs.Bool("json", false, "Print status as JSON")
	verbose := fs.Bool("verbose", false, "Log each migration step")
	// 允许 `migrate steps -1 --config x`：数字参数先于 flag 解析
	rest, positional := args[1:], []string(nil)
	if len(rest) > 0 {
		if _, err := strconv.Atoi(rest[0]); err == nil {
			positional, rest = rest[:1], rest[1:]
		}
	}
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	positional = append(positional, fs.Args()...)

	logger := zap.NewNop()
	if *verbose {
		logger = newCLILogger(stderr)
	}

	m, err := openMigrator(*configPath, *dbType, *dbURL, logger)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := migration.NewCLI(m, stdout).JSON(*asJSON).Execute(ctx, sub, positional); err != nil {
		fmt.Fprintf(stderr, "migrate %s: %v\n", sub, err)
		return 1
	}
	return 0
}

// openMigrator 优先使用 --db-type 与 --db-url，否则读取配置文件的 database 段
func openMigrator(configPath, dbType, dbURL string, logger *zap.Logger) (*migration.Migrator, error) {
	if dbURL != "" {
		if dbType == "" {
			return nil, fmt.Errorf("--db-url requires --db-type")
		}
		d, err := migration.ParseDialect(dbType)
		if err != nil {
			return nil, err
		}
		return migration.New(migration.Options{Dialect: d, URL: dbURL, Logger: logger})
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.FromConfig(cfg.Database, logger)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage:
  taskgraph migrate <subcommand> [flags] [arg]

Subcommands:
%s
Flags:
  --config <path>     Configuration file (YAML)
  --db-type <type>    postgres, mysql or sqlite (default: database.driver)
  --db-url <url>      Connection URL, requires --db-type
  --timeout <d>       Abort after this duration (default 5m)
  --json              Print status as JSON
  --verbose           Log each migration step to stderr

Examples:
  taskgraph migrate up --config /etc/taskgraph/config.yaml
  taskgraph migrate status --db-type sqlite --db-url "file:history.db"
  taskgraph migrate steps -1
`, migration.Usage())
}
