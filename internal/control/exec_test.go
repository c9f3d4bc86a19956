package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/scsdev/log2"
)

func writeScript(t testing.TB, dir, name, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestProcessAction(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name   string
		body   string
		params []string
		stdout []string
		stderr []string
		ret    int
	}{
		{"ok", "echo one\necho two\n", nil, []string{"one", "two"}, []string{}, 0},
		{"params", `for a in "$@"; do echo "[$a]"; done` + "\n", []string{"-a", "b c", ""}, []string{"[-a]", "[b c]", "[]"}, []string{}, 0},
		{"fail", "echo partial\necho bad >&2\nexit 3\n", nil, []string{"partial"}, []string{"bad"}, 3},
		{"silent", "true\n", nil, []string{}, []string{}, 0},
		{"crlf", "printf 'a\\r\\nb\\r\\n'\n", nil, []string{"a", "b"}, []string{}, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			a := &ProcessAction{Path: writeScript(t, dir, c.name, c.body)}
			stdout, stderr, ret := a.Run(context.Background(), c.params)
			assert.Equal(t, c.stdout, stdout)
			assert.Equal(t, c.stderr, stderr)
			assert.Equal(t, c.ret, ret)
		})
	}
}

func TestProcessActionStartFailed(t *testing.T) {
	t.Parallel()
	a := &ProcessAction{Path: filepath.Join(t.TempDir(), "removed-after-snapshot")}
	stdout, stderr, ret := a.Run(context.Background(), nil)
	assert.Equal(t, []string{}, stdout)
	assert.Equal(t, retStartFailed, ret)
	require.Len(t, stderr, 1)
	assert.Contains(t, stderr[0], "removed-after-snapshot")
}

func TestExecutor(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	calls := 0
	w := NewWhitelist(map[string]Action{
		"afe_calib": stubAction(&calls, "calib"),
		"ps":        stubAction(&calls, "ps"),
	})
	r := NewResolver(w, nil)
	e := NewExecutor(log)

	list := e.Execute(context.Background(), r.Resolve([]string{"?"}))
	assert.Equal(t, OutcomeExecuted, list.Outcome())
	assert.Equal(t, []string{`["afe_calib", "ps"]`}, list.Stdout())
	assert.Equal(t, 0, calls)

	ps := e.Execute(context.Background(), r.Resolve([]string{"ps", "-e"}))
	assert.Equal(t, []string{"ps", "-e"}, ps.Stdout())
	assert.Equal(t, 1, calls)

	denied := e.Execute(context.Background(), r.Resolve([]string{"rm_everything"}))
	assert.Equal(t, OutcomeUnauthorized, denied.Outcome())
	assert.Equal(t, 1, calls, "unauthorized never invoked")
}

func TestCommandOutcomeOnce(t *testing.T) {
	t.Parallel()
	c := &Command{Name: "ps"}
	_, ok := c.Ret()
	assert.False(t, ok)
	c.complete([]string{"x"}, nil, 0)
	assert.Panics(t, func() { c.deny("late") })
	assert.Panics(t, func() { c.complete(nil, nil, 1) })
	assert.Equal(t, OutcomeExecuted, c.Outcome())
}
