package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/scsdev/cmd/scs-control/cli"
	"github.com/temoto/scsdev/cmd/scs-control/receiver"
	"github.com/temoto/scsdev/cmd/scs-control/secret"
	"github.com/temoto/scsdev/cmd/scs-control/subcmd"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/log2"
)

var log = log2.NewStderr(log2.LInfo)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	receiver.Mod,
	secret.Mod,
	cli.Mod,
	{Name: "version", Usage: "print build version", SkipConfig: true, Main: versionMain},
}

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flagConfig := flags.String("config", state.DefaultConfigName, "config file")
	flags.Usage = func() { fmt.Fprint(os.Stderr, subcmd.Usage(os.Args[0], modules)) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	mod, err := subcmd.Parse(flags.Arg(0), modules)
	if err != nil {
		flags.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var config *state.Config
	if !mod.SkipConfig {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	}
	g := state.NewGlobal(log, config, BuildVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-sigch
		log.Infof("signal=%v stopping", s)
		g.Alive.Stop()
		cancel()
	}()

	if err := mod.Main(ctx, g, flags.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func versionMain(ctx context.Context, g *state.Global, args []string) error {
	fmt.Printf("scs-control %s\n", g.BuildVersion)
	return nil
}
