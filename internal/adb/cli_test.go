package adb

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullScript(t *testing.T) {
	got := pullScript("/data/local/tmp/ferry", []string{"result.json", "logs"})
	want := "cd /data/local/tmp/ferry; " +
		"touch __empty.txt; " +
		"paths=(); " +
		"for p in 'result.json' 'logs' __empty.txt; " +
		`do if [ -f "$p" -o -d "$p" ]; ` +
		"then paths+=($p); " +
		"fi; " +
		"done; " +
		"tar cvf __output.tar ${paths[@]}"
	assert.Equal(t, want, got)
}

func TestPullScriptNoOutputs(t *testing.T) {
	got := pullScript("/ws", nil)
	// The sentinel keeps tar from running on an empty path list.
	assert.Contains(t, got, "for p in __empty.txt;")
	assert.Contains(t, got, "tar cvf __output.tar")
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"/data/local/tmp/ferry", "/data/local/tmp/ferry"},
		{"plain-file_1.txt", "plain-file_1.txt"},
		{"has space", "'has space'"},
		{"semi;colon", "'semi;colon'"},
		{"don't", `'don'\''t'`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, shellQuote(tt.in))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(errors.New("not started")))

	cmd := exec.Command("sh", "-c", "exit 42")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, 42, exitCode(err))
}

func TestSuperviseQuiet(t *testing.T) {
	rc := superviseQuiet(context.Background(), exec.Command("sh", "-c", "exit 0"))
	assert.Equal(t, 0, rc)

	rc = superviseQuiet(context.Background(), exec.Command("sh", "-c", "exit 3"))
	assert.Equal(t, 3, rc)
}

func TestSuperviseQuietCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	rc := superviseQuiet(ctx, exec.Command("sleep", "30"))
	assert.Equal(t, -1, rc, "killed by signal reports -1")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParseInputMethodPower(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want *bool
	}{
		{
			name: "screen on",
			out:  "  mSystemReady=true mScreenOn=true\n",
			want: boolPtr(true),
		},
		{
			name: "screen off",
			out:  "  mSystemReady=true mScreenOn=false\n",
			want: boolPtr(false),
		},
		{
			name: "newer build interactive",
			out:  "  mSystemReady=true mInteractive=true\n",
			want: boolPtr(true),
		},
		{
			name: "no authoritative line",
			out:  "  mScreenOn=true\n",
			want: nil,
		},
		{
			name: "empty dump",
			out:  "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInputMethodPower(tt.out))
		})
	}
}

func TestParseDisplayPower(t *testing.T) {
	on := parseDisplayPower("Display Power: state=ON\n")
	require.NotNil(t, on)
	assert.True(t, *on)

	off := parseDisplayPower("Display Power: state=OFF\n")
	require.NotNil(t, off)
	assert.False(t, *off)

	assert.Nil(t, parseDisplayPower("Wakefulness: Awake\n"))
}

func TestParseBatteryLevel(t *testing.T) {
	out := "Current Battery Service state:\n  AC powered: false\n  level: 87\n  scale: 100\n"
	got := parseBatteryLevel(out)
	require.NotNil(t, got)
	assert.Equal(t, 87.0, *got)

	assert.Nil(t, parseBatteryLevel("no such line\n"))

	// The dump can repeat the level; the last value wins.
	repeated := "level: 10\nlevel: 55\n"
	got = parseBatteryLevel(repeated)
	require.NotNil(t, got)
	assert.Equal(t, 55.0, *got)
}

func boolPtr(b bool) *bool { return &b }
