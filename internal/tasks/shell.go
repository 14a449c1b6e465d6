package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// ShellConfig bounds the shell task.
type ShellConfig struct {
	// Shell runs the command as `Shell -c command`.
	Shell string
	// WorkDir is the working directory; empty means the process's.
	WorkDir string
	// MaxOutputBytes truncates captured stdout and stderr.
	MaxOutputBytes int
}

// DefaultShellConfig returns the shell task defaults.
func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		Shell:          "sh",
		MaxOutputBytes: 64 * 1024,
	}
}

// ShellTask runs metadata.command and reports trimmed stdout as the result.
type ShellTask struct {
	config ShellConfig
	logger *zap.Logger
}

// NewShellTask creates a shell task.
func NewShellTask(cfg ShellConfig, logger *zap.Logger) *ShellTask {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShellConfig().Shell
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultShellConfig().MaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellTask{config: cfg, logger: logger.With(zap.String("component", "shell_task"))}
}

// Execute implements workflow.TaskRunner.
func (s *ShellTask) Execute(ctx context.Context, node workflow.Node, tc workflow.TaskContext) (any, error) {
	command, ok := stringMeta(node, "command")
	if !ok {
		return nil, fmt.Errorf("node %s: metadata.command is required", node.Name)
	}

	cmd := exec.CommandContext(ctx, s.config.Shell, "-c", command)
	cmd.Dir = s.config.WorkDir
	cmd.Env = append(os.Environ(),
		"TASKGRAPH_RUN_ID="+tc.RunID(),
		"TASKGRAPH_NODE="+node.Name,
	)
	// 进程被 ctx 终止后不再等待残留的输出管道
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := s.truncate(stdout.String())

	s.logger.Debug("command finished",
		zap.String("run_id", tc.RunID()),
		zap.String("node", node.Name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with code %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(s.truncate(stderr.String())))
		}
		return nil, fmt.Errorf("run command: %w", err)
	}

	out = strings.TrimSpace(out)
	tc.AppendMessage(workflow.Message{
		Node:      node.Name,
		Content:   out,
		Timestamp: time.Now(),
	})
	return out, nil
}

func (s *ShellTask) truncate(v string) string {
	if len(v) > s.config.MaxOutputBytes {
		return v[:s.config.MaxOutputBytes]
	}
	return v
}
