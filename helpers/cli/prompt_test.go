package cli

import (
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchLoop(t *testing.T) {
	t.Parallel()
	input := "scs-ap1-6 ?\n\n  # comment\n  scs-ap1-6 ps -a  \r\nlast"
	var lines []string
	require.NoError(t, BatchLoop(strings.NewReader(input), func(line string) { lines = append(lines, line) }))
	assert.Equal(t, []string{"scs-ap1-6 ?", "scs-ap1-6 ps -a", "last"}, lines)
}

func TestMainLoopBatch(t *testing.T) {
	t.Parallel()
	var lines []string
	err := MainLoop("test", strings.NewReader("a b\n"), func(line string) { lines = append(lines, line) }, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a b"}, lines)
}

func TestFuzzyCompleter(t *testing.T) {
	t.Parallel()
	complete := FuzzyCompleter([]string{"scs-ap1-6", "scs-bbe-401", "?"})
	buf := prompt.NewBuffer()
	buf.InsertText("ap1", false, true)
	suggests := complete(*buf.Document())
	require.Len(t, suggests, 1)
	assert.Equal(t, "scs-ap1-6", suggests[0].Text)
}
