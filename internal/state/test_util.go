package state

import (
	"os"
	"testing"

	"github.com/temoto/scsdev/log2"
)

// NewTestGlobal reads inline config without environment overrides.
func NewTestGlobal(t testing.TB, confString string) *Global {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("scs_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	config, err := ReadConfig(log, fs, map[string]string{}, "test-inline")
	if err != nil {
		t.Fatal(err)
	}
	return NewGlobal(log, config, "test")
}
