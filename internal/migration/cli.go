package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

// SchemaMigrator 是 CLI 依赖的迁移操作，*Migrator 实现该接口
type SchemaMigrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Reset(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	State(ctx context.Context) (*State, error)
}

// CLI 把 taskgraph migrate 子命令映射到 SchemaMigrator
type CLI struct {
	m    SchemaMigrator
	out  io.Writer
	json bool
}

// NewCLI 创建输出到 out 的 CLI
func NewCLI(m SchemaMigrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// JSON 让 status 以 JSON 输出
func (c *CLI) JSON(enabled bool) *CLI {
	c.json = enabled
	return c
}

type subcommand struct {
	summary string
	arg     string
	run     func(c *CLI, ctx context.Context, n int) error
}

var subcommands = map[string]subcommand{
	"up": {summary: "Apply all pending migrations", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, c.m.Up)
	}},
	"down": {summary: "Roll back the last migration", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, c.m.Down)
	}},
	"reset": {summary: "Roll back every migration", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, c.m.Reset)
	}},
	"steps": {summary: "Apply n migrations, or roll back -n", arg: "n", run: func(c *CLI, ctx context.Context, n int) error {
		return c.apply(ctx, func(ctx context.Context) error { return c.m.Steps(ctx, n) })
	}},
	"goto": {summary: "Migrate to version v", arg: "v", run: func(c *CLI, ctx context.Context, v int) error {
		if v < 0 {
			return fmt.Errorf("version must not be negative, got %d", v)
		}
		return c.apply(ctx, func(ctx context.Context) error { return c.m.Goto(ctx, uint(v)) })
	}},
	"force": {summary: "Record version v without running SQL", arg: "v", run: func(c *CLI, ctx context.Context, v int) error {
		return c.apply(ctx, func(ctx context.Context) error { return c.m.Force(ctx, v) })
	}},
	"version": {summary: "Print the current version", run: func(c *CLI, ctx context.Context, _ int) error {
		st, err := c.m.State(ctx)
		if err != nil {
			return err
		}
		c.printVersion(st)
		return nil
	}},
	"status": {summary: "List embedded migrations and whether they are applied", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.status(ctx)
	}},
}

// Execute 执行子命令，args 为其位置参数
func (c *CLI) Execute(ctx context.Context, name string, args []string) error {
	cmd, ok := subcommands[name]
	if !ok {
		return fmt.Errorf("unknown migrate subcommand %q", name)
	}
	n := 0
	if cmd.arg != "" {
		if len(args) != 1 {
			return fmt.Errorf("migrate %s requires <%s>", name, cmd.arg)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("migrate %s: <%s> must be an integer, got %q", name, cmd.arg, args[0])
		}
		n = v
	} else if len(args) > 0 {
		return fmt.Errorf("migrate %s takes no arguments", name)
	}
	return cmd.run(c, ctx, n)
}

// Usage 列出所有子命令
func Usage() string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		cmd := subcommands[name]
		label := name
		if cmd.arg != "" {
			label += " <" + cmd.arg + ">"
		}
		fmt.Fprintf(&b, "  %-11s %s\n", label, cmd.summary)
	}
	return b.String()
}

func (c *CLI) apply(ctx context.Context, op func(context.Context) error) error {
	if err := op(ctx); err != nil {
		return err
	}
	st, err := c.m.State(ctx)
	if err != nil {
		return err
	}
	c.printVersion(st)
	return nil
}

func (c *CLI) printVersion(st *State) {
	switch {
	case st.Version == 0:
		fmt.Fprintln(c.out, "schema version: none")
	case st.Dirty:
		fmt.Fprintf(c.out, "schema version: %d (dirty, fix manually then run force)\n", st.Version)
	default:
		fmt.Fprintf(c.out, "schema version: %d\n", st.Version)
	}
}

func (c *CLI) status(ctx context.Context) error {
	st, err := c.m.State(ctx)
	if err != nil {
		return err
	}
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, m := range st.Migrations {
		state := "pending"
		if m.Dirty {
			state = "dirty"
		} else if m.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d applied, %d pending\n", st.Applied(), len(st.Pending()))
	return nil
}
