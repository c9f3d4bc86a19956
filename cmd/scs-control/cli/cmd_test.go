package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/scsdev/internal/control"
	"github.com/temoto/scsdev/internal/operator"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/log2"
)

type loopbackSink struct{ session *operator.Session }

func (s loopbackSink) WriteLine(line []byte) error {
	_, _ = s.session.HandleLine(line)
	return nil
}
func (loopbackSink) Flush(context.Context) error { return nil }

func TestExecutor(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	dg, err := control.NewDigester([]byte("s3cr3t"))
	require.NoError(t, err)
	session := operator.NewSession("bruno", dg, log)

	w := control.NewWhitelist(map[string]control.Action{
		"uptime": control.ActionFunc(func(context.Context, []string) ([]string, []string, int) {
			return []string{"up 3 days"}, nil, 0
		}),
	})
	receiver, err := control.NewReceiver(control.ReceiverOptions{
		Tag:      "scs-ap1-6",
		Digester: dg,
		Resolver: control.NewResolver(w, nil),
		Executor: control.NewExecutor(log),
		Sink:     loopbackSink{session},
		Log:      log,
	})
	require.NoError(t, err)
	var wg sync.WaitGroup
	t.Cleanup(wg.Wait)
	pub := operator.PublisherFunc(func(ctx context.Context, payload []byte) error {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = receiver.Handle(context.Background(), payload)
		}()
		return nil
	})

	var out bytes.Buffer
	exec := newExecutor(context.Background(), log, session, pub, 5*time.Second, &out)
	exec("help")
	assert.Equal(t, usage, out.String())

	out.Reset()
	exec("scs-ap1-6 uptime")
	assert.True(t, strings.HasPrefix(out.String(), "scs-ap1-6 "), out.String())
	assert.True(t, strings.HasSuffix(out.String(), " uptime\nup 3 days\nret=0\n"), out.String())

	out.Reset()
	exec("scs-ap1-6 rm -rf /")
	assert.True(t, strings.HasSuffix(out.String(), " rm -rf /\nstderr: invalid command\nret=1\n"), out.String())
}

func TestExecutorTimeout(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	var errs []error
	log.SetErrorFunc(func(e error) { errs = append(errs, e) })
	dg, err := control.NewDigester([]byte("s3cr3t"))
	require.NoError(t, err)
	session := operator.NewSession("bruno", dg, log)
	pub := operator.PublisherFunc(func(context.Context, []byte) error { return nil })

	var out bytes.Buffer
	exec := newExecutor(context.Background(), log, session, pub, 10*time.Millisecond, &out)
	exec("scs-ap1-6 ?")
	exec("")
	assert.Empty(t, out.String())
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "timeout")
}

func TestMainRequiresOperatorTag(t *testing.T) {
	t.Parallel()
	g := state.NewTestGlobal(t, `tele { mqtt_broker = "tcp://localhost:1883" topic_control = "scs/control" }`)
	err := Main(context.Background(), g, nil)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}
