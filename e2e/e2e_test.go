//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/testutil"
)

var (
	binaryPath string
	moduleRoot string
)

func TestMain(m *testing.M) {
	moduleRoot = testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(moduleRoot, ".env"))

	tmpDir, err := os.MkdirTemp("", "tasksync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "tasksync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// env is an isolated data directory and config file for one test.
type env struct {
	t          *testing.T
	dir        string
	configPath string
}

func newEnv(t *testing.T, extraTOML string) *env {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	cfg := fmt.Sprintf(`[storage]
db_path = %q

[server]
listen = "127.0.0.1:0"

[sync]
debounce = "100ms"
%s`, filepath.Join(dir, "tasksync.db"), extraTOML)

	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o600))

	return &env{t: t, dir: dir, configPath: configPath}
}

func (e *env) command(args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, append([]string{"--config", e.configPath}, args...)...)
	cmd.Env = append(os.Environ(), "HOME="+e.dir, "XDG_CONFIG_HOME="+e.dir, "XDG_DATA_HOME="+e.dir)

	return cmd
}

// run executes the CLI and fails the test on a non-zero exit.
func (e *env) run(args ...string) (string, string) {
	e.t.Helper()

	stdout, stderr, err := e.tryRun(args...)
	if err != nil {
		e.t.Fatalf("tasksync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func (e *env) tryRun(args ...string) (string, string, error) {
	cmd := e.command(args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

type taskJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Deleted   bool   `json:"deleted"`
	Revision  int64  `json:"revision"`
}

func TestE2E_TaskLifecycle(t *testing.T) {
	e := newEnv(t, "")

	stdout, _ := e.run("task", "add", "--user", "alice", "--json", "Write report")

	var created taskJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &created))
	assert.Equal(t, "Write report", created.Title)

	stdout, _ = e.run("task", "done", "--user", "alice", "--json", created.ID)

	var done taskJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &done))
	assert.True(t, done.Completed)
	assert.Greater(t, done.Revision, created.Revision)

	stdout, _ = e.run("task", "list", "--user", "bob", "--json")
	assert.JSONEq(t, "[]", stdout)

	_, stderr := e.run("task", "rm", "--user", "alice", created.ID)
	assert.Contains(t, stderr, "Deleted")

	stdout, _ = e.run("task", "list", "--user", "alice", "--deleted", "--json")

	var all []taskJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &all))
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)

	_, _, err := e.tryRun("task", "done", "--user", "alice", created.ID)
	assert.Error(t, err)
}

func TestE2E_ConfigShowAndStatus(t *testing.T) {
	e := newEnv(t, "")

	stdout, _ := e.run("config", "show")
	assert.Contains(t, stdout, "127.0.0.1:0")
	assert.Contains(t, stdout, e.dir)

	stdout, _ = e.run("status", "--json")
	assert.JSONEq(t, "[]", stdout)

	_, _, err := e.tryRun("--config", filepath.Join(e.dir, "absent.toml"), "status")
	assert.NoError(t, err, "a missing config file falls back to defaults")
}

func TestE2E_InvalidConfigFails(t *testing.T) {
	e := newEnv(t, "interval = \"soon\"\n")

	_, stderr, err := e.tryRun("status")
	require.Error(t, err)
	assert.Contains(t, stderr, "sync.interval")
}

func TestE2E_ReloadWithoutServe(t *testing.T) {
	e := newEnv(t, "")

	_, stderr, err := e.tryRun("reload")
	require.Error(t, err)
	assert.Contains(t, stderr, "no running tasksync serve")
}

// serve starts "tasksync serve" and returns its base URL once it listens.
func (e *env) serve() (string, *exec.Cmd) {
	e.t.Helper()

	cmd := e.command("serve")

	stderr, err := cmd.StderrPipe()
	require.NoError(e.t, err)
	require.NoError(e.t, cmd.Start())

	e.t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	addr := make(chan string, 1)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if rest, ok := strings.CutPrefix(sc.Text(), "Serving on "); ok {
				addr <- rest
			}
		}
	}()

	select {
	case base := <-addr:
		return base, cmd
	case <-time.After(15 * time.Second):
		e.t.Fatal("serve did not start listening")
		return "", nil
	}
}

func TestE2E_ServeAPIAndShutdown(t *testing.T) {
	e := newEnv(t, "")
	base, cmd := e.serve()

	resp, err := http.Get(base + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/v1/users/alice/tasks", "application/json",
		strings.NewReader(`{"title":"from the API"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	stdout, _ := e.run("task", "list", "--user", "alice", "--json")
	assert.Contains(t, stdout, "from the API")

	_, _, err = e.tryRun("serve")
	assert.Error(t, err, "a second serve must not start")

	_, stderr := e.run("reload")
	assert.Contains(t, stderr, "Reload signal sent")

	require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("serve did not exit after SIGTERM")
	}

	_, statErr := os.Stat(filepath.Join(e.dir, "tasksync.pid"))
	assert.True(t, os.IsNotExist(statErr), "PID file removed on exit")
}
