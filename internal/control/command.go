package control

import (
	"fmt"
)

// ListCommand is the introspection sentinel, lists whitelist names.
const ListCommand = "?"

const (
	retOk          = 0
	retError       = 1
	retStartFailed = 127
)

type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeUnauthorized
	OutcomeExecuted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeExecuted:
		return "executed"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Command is resolved form of datum cmd_tokens.
// Outcome transitions exactly once from pending.
type Command struct {
	Name     string
	Params   []string
	Deferred bool

	action  Action
	listing []string // whitelist names snapshot, only for ListCommand

	outcome Outcome
	stdout  []string
	stderr  []string
	ret     int
}

func (c *Command) Outcome() Outcome { return c.outcome }
func (c *Command) Stdout() []string { return c.stdout }
func (c *Command) Stderr() []string { return c.stderr }

// Ret returns return code, ok=false while pending.
func (c *Command) Ret() (int, bool) { return c.ret, c.outcome != OutcomePending }

func (c *Command) IsList() bool { return c.Name == ListCommand }

// Runnable reports whether command should be handed to Executor.
func (c *Command) Runnable() bool { return c.outcome == OutcomePending }

func (c *Command) String() string {
	return fmt.Sprintf("cmd=%s params=%q deferred=%t outcome=%s", c.Name, c.Params, c.Deferred, c.outcome)
}

func (c *Command) deny(message string) {
	c.finish(OutcomeUnauthorized, nil, []string{message}, retError)
}

func (c *Command) complete(stdout, stderr []string, ret int) {
	c.finish(OutcomeExecuted, stdout, stderr, ret)
}

func (c *Command) finish(o Outcome, stdout, stderr []string, ret int) {
	if c.outcome != OutcomePending {
		panic(fmt.Sprintf("code error command outcome already set %s", c.String()))
	}
	c.outcome = o
	c.stdout = stdout
	c.stderr = stderr
	c.ret = ret
}

// Result is the `cmd` section of receipt.
// Deferred command receipt carries empty stdout/stderr and null ret.
type Result struct {
	Cmd    *string  `json:"cmd"`
	Params []string `json:"params"`
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
	Ret    *int     `json:"ret"`
}

func (c *Command) Result() Result {
	r := Result{
		Params: nonNil(c.Params),
		Stdout: nonNil(c.stdout),
		Stderr: nonNil(c.stderr),
	}
	if c.Name != "" {
		name := c.Name
		r.Cmd = &name
	}
	if c.outcome != OutcomePending {
		ret := c.ret
		r.Ret = &ret
	}
	return r
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
