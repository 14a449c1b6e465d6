package migration

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/BaSui01/taskgraph/config"
)

//go:embed migrations
var schemaFS embed.FS

// Dialect 标识 Schema 所针对的数据库
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect 解析数据库类型，接受常见别名
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database type %q (supported: postgres, mysql, sqlite)", s)
}

// driverName 返回 database/sql 注册的驱动名
func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return string(d)
}

func (d Dialect) dir() string {
	return path.Join("migrations", string(d))
}

func (d Dialect) valid() error {
	switch d {
	case Postgres, MySQL, SQLite:
		return nil
	}
	return fmt.Errorf("unsupported database type %q", d)
}

func (d Dialect) source() (source.Driver, error) {
	if err := d.valid(); err != nil {
		return nil, err
	}
	return iofs.New(schemaFS, d.dir())
}

// Migration 是一个内嵌的 Schema 版本
type Migration struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty,omitempty"`
}

// Migrations 按版本升序列出 dialect 的内嵌迁移
func Migrations(d Dialect) ([]Migration, error) {
	src, err := d.source()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var list []Migration
	v, err := src.First()
	for err == nil {
		r, name, readErr := src.ReadUp(v)
		switch {
		case readErr == nil:
			r.Close()
			list = append(list, Migration{Version: v, Name: name})
		case !errors.Is(readErr, fs.ErrNotExist):
			return nil, fmt.Errorf("read migration %d: %w", v, readErr)
		}
		v, err = src.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return list, nil
}

// URL 把数据库配置转换为迁移连接串。
// 与 config.DatabaseConfig.DSN 的区别：MySQL 需要 multiStatements，SQLite 打开外键约束。
func URL(cfg config.DatabaseConfig) (Dialect, string, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return "", "", err
	}
	switch d {
	case Postgres:
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:     "/" + cfg.Name,
			RawQuery: url.Values{"sslmode": {ssl}}.Encode(),
		}
		return d, u.String(), nil
	case MySQL:
		mc := cfg
		mc.Driver = "mysql"
		return d, mc.DSN() + "&multiStatements=true", nil
	default:
		file := cfg.Path
		if file == "" {
			file = cfg.Name
		}
		if file == "" {
			return "", "", errors.New("sqlite requires database.path")
		}
		return d, "file:" + file + "?_pragma=foreign_keys(1)", nil
	}
}
