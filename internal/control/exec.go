package control

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/temoto/scsdev/log2"
)

// ProcessAction runs external program with params as arguments.
// Process is not killed on context cancel: interrupt never stops a command midway.
type ProcessAction struct {
	Path string
}

func (p *ProcessAction) Run(ctx context.Context, params []string) ([]string, []string, int) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(p.Path, params...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	switch e := err.(type) {
	case nil:
		return splitLines(stdout.String()), splitLines(stderr.String()), retOk
	case *exec.ExitError:
		return splitLines(stdout.String()), splitLines(stderr.String()), e.ExitCode()
	default:
		lines := splitLines(stderr.String())
		return splitLines(stdout.String()), append(lines, err.Error()), retStartFailed
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

type Executor struct {
	log *log2.Log
}

func NewExecutor(log *log2.Log) *Executor { return &Executor{log: log} }

// Execute fills command outcome. Blocks until the action completes, there is no timeout.
// Unauthorized command is returned as is, its action is never invoked.
func (e *Executor) Execute(ctx context.Context, c *Command) *Command {
	if !c.Runnable() {
		e.log.Debugf("execute skip %s", c.String())
		return c
	}
	if c.IsList() {
		c.complete([]string{formatList(c.listing)}, nil, retOk)
		return c
	}
	e.log.Debugf("execute begin %s", c.String())
	stdout, stderr, ret := c.action.Run(ctx, c.Params)
	c.complete(stdout, stderr, ret)
	e.log.Debugf("execute end %s ret=%d", c.Name, ret)
	return c
}

// formatList renders names like `["a", "b"]`, one stdout line.
func formatList(names []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteJSON(n))
	}
	b.WriteByte(']')
	return b.String()
}

func quoteJSON(s string) string {
	canon, err := Canonical(s)
	if err != nil {
		panic("code error quote: " + err.Error())
	}
	return string(canon)
}
