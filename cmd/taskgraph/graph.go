package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/internal/tasks"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 📄 图文件命令：run / validate / export
// =============================================================================

// stringList 可重复的字符串参数
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// loadDefinition 按扩展名解析图文件，不做构建与校验
func loadDefinition(path string) (*workflow.GraphDefinition, error) {
	if path == "" {
		return nil, errors.New("--graph is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return workflow.ParseDefinitionJSON(data)
	case ".yaml", ".yml":
		return workflow.ParseDefinitionYAML(data)
	default:
		return nil, fmt.Errorf("unsupported graph file extension %q", filepath.Ext(path))
	}
}

func cmdRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	graphPath := fs.String("graph", "", "Graph definition file")
	configPath := fs.String("config", "", "Path to config file")
	runID := fs.String("run-id", "", "Run ID")
	timeout := fs.Duration("timeout", 0, "Abort the run after this duration")
	output := fs.String("output", "text", "Output format: text or json")
	var messages stringList
	fs.Var(&messages, "message", "Seed message (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	def, err := loadDefinition(*graphPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	// 命令行模式下日志写 stderr，stdout 留给结果
	if len(cfg.Log.OutputPaths) == 0 || (len(cfg.Log.OutputPaths) == 1 && cfg.Log.OutputPaths[0] == "stdout") {
		cfg.Log.OutputPaths = []string{"stderr"}
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log config: %v\n", err)
		return 1
	}
	defer logger.Sync()

	opts := cfg.Executor.Options()
	opts.Logger = logger
	opts.Sink = workflow.NewLogSink(logger)
	opts.Breakers = cfg.Executor.Breakers(nil, logger)

	svc, err := runs.NewService(runs.Config{
		Executor: opts,
		Tasks:    tasks.NewRegistry(logger),
		Pool:     pool.New(pool.Config{MaxWorkers: 1}, logger),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	seed := make([]workflow.Message, 0, len(messages))
	for _, m := range messages {
		seed = append(seed, workflow.Message{Content: m, Timestamp: time.Now()})
	}

	result, runErr := svc.Run(ctx, def, *runID, seed...)
	if result == nil {
		fmt.Fprintln(stderr, describeError(runErr))
		return 1
	}

	switch *output {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	default:
		printResult(stdout, result)
	}

	if runErr != nil {
		fmt.Fprintln(stderr, describeError(runErr))
		return 1
	}
	if !result.Succeeded() {
		return 1
	}
	return 0
}

// describeError 以错误码形式展示引擎错误
func describeError(err error) string {
	apiErr := types.FromWorkflowError(err)
	if apiErr == nil {
		return ""
	}
	if apiErr.Node != "" {
		return fmt.Sprintf("%s [%s]: %v", apiErr.Code, apiErr.Node, err)
	}
	return fmt.Sprintf("%s: %v", apiErr.Code, err)
}

func printResult(w io.Writer, r *workflow.WorkflowResult) {
	fmt.Fprintf(w, "run %s (%s): %s in %s\n", r.RunID, r.Workflow, r.Status, r.Duration().Round(time.Millisecond))

	nodes := make([]string, 0, len(r.NodeStatus))
	for name := range r.NodeStatus {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	for _, name := range nodes {
		line := fmt.Sprintf("  %-20s %s", name, r.NodeStatus[name])
		if err := r.NodeErrors[name]; err != nil {
			line += "  " + err.Error()
		}
		fmt.Fprintln(w, line)
	}

	if len(r.Messages) > 0 {
		fmt.Fprintln(w, "messages:")
		for _, m := range r.Messages {
			from := m.Node
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "  [%s] %s\n", from, m.Content)
		}
	}
}

func cmdValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	graphPath := fs.String("graph", "", "Graph definition file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	def, err := loadDefinition(*graphPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	g, err := buildGraph(def)
	if err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}
	fmt.Fprintf(stdout, "graph %q is valid: %d nodes, %d edges, entry %q\n",
		g.Name(), len(g.NodeNames()), len(g.Edges()), g.Entry())
	return 0
}

func cmdExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	graphPath := fs.String("graph", "", "Graph definition file")
	format := fs.String("format", "yaml", "Output format: json or yaml")
	outPath := fs.String("out", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	def, err := loadDefinition(*graphPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	g, err := buildGraph(def)
	if err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}

	var data []byte
	switch *format {
	case "json":
		data, err = g.ToJSON()
		if err == nil {
			data = append(data, '\n')
		}
	case "yaml":
		data, err = g.ToYAML()
	default:
		err = fmt.Errorf("unsupported format %q (json or yaml)", *format)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *outPath == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func buildGraph(def *workflow.GraphDefinition) (*workflow.Graph, error) {
	g, err := workflow.FromDefinition(def, nil)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
