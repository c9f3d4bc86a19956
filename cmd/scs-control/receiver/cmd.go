// Device side control loop: stdin/stdout or MQTT.
package receiver

import (
	"context"
	"expvar"
	"io"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/scsdev/cmd/scs-control/subcmd"
	"github.com/temoto/scsdev/helpers"
	"github.com/temoto/scsdev/internal/control"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/internal/tele"
	"github.com/temoto/scsdev/log2"
)

const modName = "receiver"

var Mod = subcmd.Mod{Name: modName, Usage: "answer control datums [-e] [-v] [--mqtt]", Main: Main}

type Options struct {
	Echo    bool
	Verbose bool
	Mqtt    bool
	Stdin   io.Reader
	Stdout  io.Writer
	// Ready is called once the loop is about to read first line.
	Ready func()
}

func Main(ctx context.Context, g *state.Global, args []string) error {
	flags := pflag.NewFlagSet(modName, pflag.ContinueOnError)
	opt := Options{Stdin: os.Stdin, Stdout: os.Stdout}
	flags.BoolVarP(&opt.Echo, "echo", "e", g.Config.Control.Echo, "echo each validated datum")
	flags.BoolVarP(&opt.Verbose, "verbose", "v", g.Config.Control.LogDebug, "debug log to stderr")
	flags.BoolVar(&opt.Mqtt, "mqtt", g.Config.Tele.Enabled, "use MQTT transport instead of stdin/stdout")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "receiver flags")
	}
	opt.Ready = func() { subcmd.SdNotify(daemon.SdNotifyReady) }
	defer subcmd.SdNotify(daemon.SdNotifyStopping)
	return Run(ctx, g, opt)
}

func Run(ctx context.Context, g *state.Global, opt Options) error {
	if opt.Verbose {
		g.Log.SetLevel(log2.LDebug)
	}
	if opt.Mqtt {
		g.Config.Tele.Enabled = true
	}
	if err := g.Config.Validate(); err != nil {
		return errors.Trace(err)
	}

	dg, err := g.Digester(g.Config.Secret.Dir)
	if err != nil {
		return errors.Trace(err)
	}
	resolver, err := g.Resolver()
	if err != nil {
		return errors.Trace(err)
	}

	var bytesIn, bytesOut expvar.Int
	var src control.LineSource
	var sink, echo control.LineSink
	if opt.Mqtt {
		transport, err := tele.NewMqtt(g.Log, g.Config.Tele)
		if err != nil {
			return errors.Annotate(err, "tele init")
		}
		defer transport.Close()
		src, sink = transport, transport
		if opt.Echo {
			echo = tele.LogSink{Log: g.Log, Prefix: "echo "}
		}
	} else {
		stdin := helpers.NewStatReader(opt.Stdin, &bytesIn, 0)
		stdout := tele.NewStdioSink(helpers.NewStatWriter(opt.Stdout, &bytesOut, 0))
		src, sink = tele.NewStdioSource(stdin), stdout
		if opt.Echo {
			echo = stdout
		}
	}

	r, err := control.NewReceiver(control.ReceiverOptions{
		Tag:          g.Config.Device.Tag,
		Digester:     dg,
		Resolver:     resolver,
		Executor:     control.NewExecutor(g.Log),
		Sink:         sink,
		Echo:         echo,
		Log:          g.Log,
		FlushTimeout: g.Config.Control.FlushTimeout(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	go func() {
		<-g.Alive.StopChan()
		r.Stop()
	}()

	g.Log.Infof("control receiver tag=%s version=%s mqtt=%t", g.Config.Device.Tag, g.BuildVersion, opt.Mqtt)
	if opt.Ready != nil {
		opt.Ready()
	}
	err = r.Run(ctx, src)
	g.Log.Infof("control receiver end stat %s bytes_in=%d bytes_out=%d", r.Stat().String(), bytesIn.Value(), bytesOut.Value())
	return errors.Annotate(err, "control receiver")
}
