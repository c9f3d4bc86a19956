// Support sub-commands in scs-control application.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/scsdev/internal/state"
)

type Mod struct {
	Name  string
	Usage string
	// SkipConfig runs Main with Global.Config=nil.
	SkipConfig bool
	Main       func(ctx context.Context, g *state.Global, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, errors.NotValidf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, errors.NotFoundf("command='%s'", command)
	}
	return found, nil
}

func Usage(program string, modules []Mod) string {
	lines := make([]string, 0, len(modules))
	for _, m := range modules {
		lines = append(lines, fmt.Sprintf("  %-10s %s", m.Name, m.Usage))
	}
	sort.Strings(lines)
	return fmt.Sprintf("usage: %s [--config=PATH] COMMAND [ARGS...]\ncommands:\n%s\n", program, strings.Join(lines, "\n"))
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
