package state

import (
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/scsdev/internal/control"
	"github.com/temoto/scsdev/internal/secret"
	"github.com/temoto/scsdev/log2"
)

// Global is shared state of one scs-control process, passed explicitly to subcommands.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
}

func NewGlobal(log *log2.Log, config *Config, buildVersion string) *Global {
	if log == nil {
		panic("code error NewGlobal() log=nil")
	}
	return &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: buildVersion,
		Config:       config,
		Log:          log,
	}
}

func (g *Global) SecretStore(dir string) (*secret.Store, error) {
	s, err := secret.NewStore(dir, g.Log)
	return s, errors.Annotate(err, "config: secret.dir")
}

// Digester loads shared secret from dir and derives digest keys.
func (g *Global) Digester(dir string) (*control.Digester, error) {
	s, err := g.SecretStore(dir)
	if err != nil {
		return nil, err
	}
	b, err := s.Load()
	if err != nil {
		return nil, errors.Annotate(err, "load shared secret")
	}
	return control.NewDigester(b)
}

// Resolver takes whitelist snapshot of control.command_dir.
func (g *Global) Resolver() (*control.Resolver, error) {
	w, err := control.LoadWhitelistDir(g.Config.Control.CommandDir, g.Log)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g.Log.Infof("control whitelist dir=%s names=%q deferred=%q",
		g.Config.Control.CommandDir, w.Names(), g.Config.Control.Deferred)
	return control.NewResolver(w, g.Config.Control.Deferred), nil
}
