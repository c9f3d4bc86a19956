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

func stubAction(calls *int, out string) Action {
	return ActionFunc(func(_ context.Context, params []string) ([]string, []string, int) {
		*calls++
		return append([]string{out}, params...), nil, 0
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()
	calls := 0
	w := NewWhitelist(map[string]Action{
		"ps":      stubAction(&calls, "ps"),
		"reboot":  stubAction(&calls, "reboot"),
		"opc_pwr": stubAction(&calls, "opc"),
	})
	r := NewResolver(w, []string{"reboot", "restart"})

	cases := []struct {
		name     string
		tokens   []string
		cmd      string
		params   []string
		outcome  Outcome
		deferred bool
	}{
		{"empty", nil, ListCommand, nil, OutcomePending, false},
		{"list", []string{"?"}, ListCommand, []string{}, OutcomePending, false},
		{"whitelisted", []string{"ps", "-a", "x"}, "ps", []string{"-a", "x"}, OutcomePending, false},
		{"deferred", []string{"reboot"}, "reboot", []string{}, OutcomePending, true},
		{"deferred-not-whitelisted", []string{"restart"}, "restart", []string{}, OutcomeUnauthorized, false},
		{"unknown", []string{"rm_everything"}, "rm_everything", []string{}, OutcomeUnauthorized, false},
		{"case-sensitive", []string{"PS"}, "PS", []string{}, OutcomeUnauthorized, false},
		{"path", []string{"../ps"}, "../ps", []string{}, OutcomeUnauthorized, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cmd := r.Resolve(c.tokens)
			assert.Equal(t, c.cmd, cmd.Name)
			assert.Equal(t, c.params, cmd.Params)
			assert.Equal(t, c.outcome, cmd.Outcome())
			assert.Equal(t, c.deferred, cmd.Deferred)
			if c.outcome == OutcomeUnauthorized {
				assert.Equal(t, []string{"invalid command"}, cmd.Stderr())
				ret, ok := cmd.Ret()
				assert.True(t, ok)
				assert.Equal(t, 1, ret)
			}
		})
	}
	assert.Equal(t, 0, calls, "resolve has no side effects")
}

func TestLoadWhitelistDir(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "real-ps")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\necho ps\n"), 0755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedule"), []byte("#!/bin/sh\necho ok\n"), 0755))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "ps")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a command"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "dangling")))

	w, err := LoadWhitelistDir(dir, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"ps", "schedule"}, w.Names())

	a, ok := w.Lookup("ps")
	require.True(t, ok)
	stdout, stderr, ret := a.Run(context.Background(), nil)
	assert.Equal(t, []string{"ps"}, stdout)
	assert.Equal(t, []string{}, stderr)
	assert.Equal(t, 0, ret)

	_, err = LoadWhitelistDir(filepath.Join(dir, "nonexistent"), log)
	assert.Error(t, err)
}

func TestWhitelistNamesCopy(t *testing.T) {
	t.Parallel()
	calls := 0
	w := NewWhitelist(map[string]Action{"b": stubAction(&calls, ""), "a": stubAction(&calls, "")})
	names := w.Names()
	assert.Equal(t, []string{"a", "b"}, names)
	names[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, w.Names())
}
