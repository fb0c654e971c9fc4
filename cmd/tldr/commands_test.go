package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tldr dev\n", out)
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("TLDR_CONFIG_KEY", "passphrase")

	out, err := execute(t, "encrypt", "xoxb-secret")
	require.NoError(t, err)

	enc, ok := strings.CutPrefix(strings.TrimSpace(out), "enc:")
	require.True(t, ok, "output %q lacks enc: prefix", out)
	plain, err := config.DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-secret", plain)
}

func TestEncryptCommandRequiresKey(t *testing.T) {
	t.Setenv("TLDR_CONFIG_KEY", "")
	_, err := execute(t, "encrypt", "x")
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckConfigCommand(t *testing.T) {
	t.Setenv("TLDR_SLACK_BOT_TOKEN", "")
	t.Setenv("TLDR_OPENAI_API_KEY", "")

	path := writeConfig(t, "slack:\n  bot_token: xoxb-abc\nopenai:\n  api_key: sk-test\n")
	out, err := execute(t, "--config", path, "check-config")
	require.NoError(t, err)
	assert.Equal(t, "config ok\n", out)

	path = writeConfig(t, "openai:\n  api_key: sk-test\n")
	_, err = execute(t, "--config", path, "check-config")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
	assert.Contains(t, err.Error(), "slack.bot_token")
}

func TestStatsAndPruneCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	path := writeConfig(t, "ledger:\n  enabled: true\n  path: "+dbPath+"\n")

	out, err := execute(t, "--config", path, "stats")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	out, err = execute(t, "--config", path, "prune")
	require.NoError(t, err)
	assert.Equal(t, "pruned 0 rows\n", out)
}

func TestStatsCommandLedgerDisabled(t *testing.T) {
	path := writeConfig(t, "ledger:\n  enabled: false\n")
	_, err := execute(t, "--config", path, "stats")
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestDecodeTask(t *testing.T) {
	task, err := decodeTask([]byte(`{"correlation_id":"c1","channel_id":"C1","thread_ts":"1.2","message_count":10}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", task.CorrelationID)
	assert.Equal(t, 10, task.MessageCount)

	_, err = decodeTask([]byte(`{"channel_id":"C1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidTask)

	_, err = decodeTask([]byte(`{nope`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReadTasks(t *testing.T) {
	input := strings.Join([]string{
		`{"correlation_id":"a","channel_id":"C1","thread_ts":"1.1"}`,
		``,
		`not json`,
		`{"correlation_id":"b","channel_id":"C1"}`,
		`{"correlation_id":"c","channel_id":"C2","thread_ts":"2.2"}`,
	}, "\n")

	var got []string
	err := readTasks(context.Background(), strings.NewReader(input), discardLogger(), func(task domain.SummaryTask) error {
		got = append(got, task.CorrelationID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestReadTasksSubmitError(t *testing.T) {
	input := `{"correlation_id":"a","channel_id":"C1","thread_ts":"1.1"}`
	boom := errors.New("pool closed")

	err := readTasks(context.Background(), strings.NewReader(input), discardLogger(), func(domain.SummaryTask) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestReadTasksStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := readTasks(ctx, strings.NewReader(`{"correlation_id":"a","channel_id":"C1","thread_ts":"1.1"}`), discardLogger(),
		func(domain.SummaryTask) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	assert.Zero(t, calls)
}
