package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskgraph/config"
)

func TestDispatch(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, dispatch(nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "Commands:")

	out.Reset()
	assert.Equal(t, 0, dispatch([]string{"help"}, &out, &errOut))
	for name := range commands {
		assert.Contains(t, out.String(), name)
	}

	errOut.Reset()
	assert.Equal(t, 1, dispatch([]string{"frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), `unknown command "frobnicate"`)

	out.Reset()
	assert.Equal(t, 0, dispatch([]string{"version"}, &out, &errOut))
	assert.Contains(t, out.String(), "taskgraph dev")
}

func TestCmdMigrate_SQLite(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "history.db")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, cmdMigrate([]string{"up", "--db-type", "sqlite", "--db-url", url}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "schema version: 2")

	out.Reset()
	require.Equal(t, 0, cmdMigrate([]string{"steps", "-1", "--db-type", "sqlite", "--db-url", url}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "schema version: 1")

	out.Reset()
	require.Equal(t, 0, cmdMigrate([]string{"status", "--db-type", "sqlite", "--db-url", url}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "1 applied, 1 pending")
}

func TestCmdMigrate_Errors(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, cmdMigrate(nil, &out, &errOut))
	assert.Contains(t, out.String(), "Subcommands:")

	errOut.Reset()
	assert.Equal(t, 1, cmdMigrate([]string{"up", "--db-url", "file:x.db"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "--db-url requires --db-type")

	errOut.Reset()
	url := "file:" + filepath.Join(t.TempDir(), "h.db")
	assert.Equal(t, 1, cmdMigrate([]string{"sideways", "--db-type", "sqlite", "--db-url", url}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown migrate subcommand")
}

func TestCmdHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer ts.Close()

	var out, errOut bytes.Buffer
	require.Equal(t, 0, cmdHealth([]string{"--addr", ts.URL}, &out, &errOut), errOut.String())
	assert.Equal(t, "healthy\n", out.String())

	assert.Equal(t, 1, cmdHealth([]string{"--addr", ts.URL, "--ready"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "draining (HTTP 503)")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	var buf bytes.Buffer
	newCLILogger(&buf).Debug("migrating")
	assert.Contains(t, buf.String(), "migrating")
}
