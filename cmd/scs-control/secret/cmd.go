// Shared secret provisioning.
package secret

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/scsdev/cmd/scs-control/subcmd"
	"github.com/temoto/scsdev/internal/state"
)

const modName = "secret"
const usage = "show | generate [--force] | set VALUE"

var Mod = subcmd.Mod{Name: modName, Usage: usage, Main: Main}

func Main(ctx context.Context, g *state.Global, args []string) error {
	return Run(g, args, os.Stdout)
}

func Run(g *state.Global, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet(modName, pflag.ContinueOnError)
	flagDir := flags.String("dir", g.Config.Secret.Dir, "secret storage directory")
	flagForce := flags.Bool("force", false, "generate: replace existing secret")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "secret flags")
	}

	store, err := g.SecretStore(*flagDir)
	if err != nil {
		return err
	}
	switch action := flags.Arg(0); action {
	case "show":
		b, err := store.Load()
		if err != nil {
			return errors.Trace(err)
		}
		_, err = fmt.Fprintf(stdout, "%s\n", b)
		return errors.Trace(err)

	case "generate":
		b, err := store.Generate(*flagForce)
		if err != nil {
			if errors.IsAlreadyExists(err) {
				return errors.Annotate(err, "use --force to replace")
			}
			return errors.Trace(err)
		}
		g.Log.Infof("secret generated dir=%s", *flagDir)
		_, err = fmt.Fprintf(stdout, "%s\n", b)
		return errors.Trace(err)

	case "set":
		if flags.NArg() != 2 {
			return errors.NotValidf("usage: secret set VALUE")
		}
		if err := store.Store([]byte(flags.Arg(1))); err != nil {
			return errors.Trace(err)
		}
		g.Log.Infof("secret stored dir=%s", *flagDir)
		return nil

	default:
		return errors.NotValidf("secret action='%s' usage: %s", action, usage)
	}
}
