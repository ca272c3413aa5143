package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestExecRunner_Success(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ok.sh", "echo first\necho last\n")

	res, err := NewExecRunner().Run(context.Background(), dir, "/bin/sh", script)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "last", res.Line)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", "echo 'flash partition busy'\nexit 3\n")

	res, err := NewExecRunner().Run(context.Background(), dir, "/bin/sh", script)
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "flash partition busy", res.Line)
}

func TestExecRunner_SpawnFailure(t *testing.T) {
	res, err := NewExecRunner().Run(context.Background(), t.TempDir(), "/nonexistent/binary")
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"one\n", "one"},
		{"one\ntwo\n\n  \n", "two"},
		{"one\ntwo", "two"},
		{"one\r\ntwo\r\n", "two"},
		{"early\n" + strings.Repeat("x", 100*1024) + "\n", strings.Repeat("x", 100*1024)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LastLine([]byte(tt.in)))
	}
}
