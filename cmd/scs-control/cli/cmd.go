// Operator console: sign command datums, publish over MQTT, print verified receipts.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/scsdev/cmd/scs-control/subcmd"
	"github.com/temoto/scsdev/helpers/cli"
	"github.com/temoto/scsdev/internal/mqtt"
	"github.com/temoto/scsdev/internal/operator"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/log2"
)

const modName = "cli"

const usage = `syntax: ATTN CMD [PARAMS...]
- ATTN    target device tag
- CMD     whitelisted command, ? or empty lists available commands
`

var Mod = subcmd.Mod{Name: modName, Usage: "operator console, input: ATTN CMD [PARAMS...]", Main: Main}

func Main(ctx context.Context, g *state.Global, args []string) error {
	flags := pflag.NewFlagSet(modName, pflag.ContinueOnError)
	flagVerbose := flags.BoolP("verbose", "v", false, "debug log to stderr")
	flagTag := flags.String("tag", g.Config.Operator.Tag, "operator tag")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "cli flags")
	}
	if *flagVerbose {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Config.Operator.Tag = *flagTag

	config := g.Config
	if config.Operator.Tag == "" {
		return errors.NotValidf("config: operator.tag empty")
	}
	if config.Tele.MqttBroker == "" || config.Tele.TopicControl == "" {
		return errors.NotValidf("config: tele.mqtt_broker and tele.topic_control required")
	}
	dg, err := g.Digester(config.Operator.SecretDir)
	if err != nil {
		return errors.Trace(err)
	}
	session := operator.NewSession(config.Operator.Tag, dg, g.Log)

	client, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      config.Tele.MqttBroker,
		NetworkTimeout: config.Tele.NetworkTimeout(),
		KeepaliveSec:   uint16(config.Tele.Keepalive() / time.Second),
		ClientID:       fmt.Sprintf("%s-%d", config.Operator.Tag, os.Getpid()),
		Subscriptions:  []packet.Subscription{{Topic: config.Tele.TopicReceipt, QOS: packet.QOSAtLeastOnce}},
		OnMessage: func(msg *packet.Message) error {
			g.Log.Debugf("cli received %s", mqtt.MessageString(msg))
			_, _ = session.HandleLine(msg.Payload)
			return nil
		},
		Log: g.Log,
	})
	if err != nil {
		return errors.Annotate(err, "mqtt client")
	}
	defer client.Close()

	pub := operator.PublisherFunc(func(ctx context.Context, payload []byte) error {
		return client.Publish(ctx, &packet.Message{
			Topic:   config.Tele.TopicControl,
			Payload: payload,
			QOS:     packet.QOSAtLeastOnce,
		})
	})
	exec := newExecutor(ctx, g.Log, session, pub, config.Operator.ReceiptTimeout(), os.Stdout)
	complete := cli.FuzzyCompleter([]string{config.Device.Tag, "?"})
	return cli.MainLoop(config.Operator.Tag, os.Stdin, exec, complete)
}

func newExecutor(ctx context.Context, log *log2.Log, session *operator.Session, pub operator.Publisher, timeout time.Duration, stdout io.Writer) func(string) {
	return func(line string) {
		if line == "help" {
			fmt.Fprint(stdout, usage)
			return
		}
		attn, tokens, err := operator.ParseCommand(line)
		if err != nil {
			log.Error(errors.ErrorStack(err))
			return
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := session.Exchange(rctx, pub, attn, tokens)
		if err != nil {
			log.Error(errors.ErrorStack(err))
			return
		}
		fmt.Fprint(stdout, operator.FormatReceipt(r))
	}
}
