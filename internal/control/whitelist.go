package control

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/scsdev/log2"
	"golang.org/x/sys/unix"
)

// Action is invocable local action permitted by administrator.
// Failure of the action itself is reported via ret/stderr, never as Go error.
type Action interface {
	Run(ctx context.Context, params []string) (stdout, stderr []string, ret int)
}

type ActionFunc func(ctx context.Context, params []string) (stdout, stderr []string, ret int)

func (f ActionFunc) Run(ctx context.Context, params []string) ([]string, []string, int) {
	return f(ctx, params)
}

// Whitelist is immutable capability table: command name -> action.
type Whitelist struct {
	actions map[string]Action
	names   []string
}

func NewWhitelist(actions map[string]Action) *Whitelist {
	w := &Whitelist{
		actions: make(map[string]Action, len(actions)),
		names:   make([]string, 0, len(actions)),
	}
	for name, a := range actions {
		if name == "" || name == ListCommand || a == nil {
			panic("code error whitelist invalid entry name=" + name)
		}
		w.actions[name] = a
		w.names = append(w.names, name)
	}
	sort.Strings(w.names)
	return w
}

// LoadWhitelistDir takes snapshot of administrator managed command directory.
// Every executable entry (usually a symlink) becomes process action invoked by path.
// Hidden, non-executable and dangling entries are skipped.
func LoadWhitelistDir(dir string, log *log2.Log) (*Whitelist, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "whitelist dir=%s", dir)
	}
	actions := make(map[string]Action, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			log.Errorf("whitelist skip name=%s err=%v", name, err)
			continue
		}
		if fi.IsDir() {
			log.Debugf("whitelist skip directory name=%s", name)
			continue
		}
		if err := unix.Access(path, unix.X_OK); err != nil {
			log.Infof("whitelist skip not executable name=%s err=%v", name, err)
			continue
		}
		actions[name] = &ProcessAction{Path: path}
	}
	w := NewWhitelist(actions)
	log.Debugf("whitelist dir=%s names=%q", dir, w.names)
	return w, nil
}

// Names returns sorted copy of entry names.
func (w *Whitelist) Names() []string {
	ns := make([]string, len(w.names))
	copy(ns, w.names)
	return ns
}

func (w *Whitelist) Lookup(name string) (Action, bool) {
	a, ok := w.actions[name]
	return a, ok
}

// Resolver maps cmd_tokens to Command. Whitelist membership is the only authorization.
type Resolver struct {
	whitelist *Whitelist
	deferred  map[string]struct{}
}

// NewResolver: deferred names are executed only after receipt is flushed.
func NewResolver(w *Whitelist, deferred []string) *Resolver {
	r := &Resolver{
		whitelist: w,
		deferred:  make(map[string]struct{}, len(deferred)),
	}
	for _, name := range deferred {
		r.deferred[name] = struct{}{}
	}
	return r
}

func (r *Resolver) Resolve(tokens []string) *Command {
	c := &Command{Name: ListCommand}
	if len(tokens) > 0 {
		c.Name = tokens[0]
		c.Params = append([]string{}, tokens[1:]...)
	}
	if c.IsList() {
		c.listing = r.whitelist.Names()
		return c
	}

	a, ok := r.whitelist.Lookup(c.Name)
	if !ok {
		c.deny(ErrUnauthorized.Error())
		return c
	}
	c.action = a
	_, c.Deferred = r.deferred[c.Name]
	return c
}
