package tele

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/log2"
	"github.com/temoto/spq"
)

const testTopic = "/orgs/south-coast-science-dev/development/device/alpha-pi-eng-000006/control"

func TestStdio(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := NewStdioSource(strings.NewReader("first\n\n{\"tag\": \"bruno\"}\nlast-no-newline"))
	for _, expect := range []string{"first", "", `{"tag": "bruno"}`, "last-no-newline"} {
		line, err := src.ReadLine(ctx)
		require.NoError(t, err)
		assert.Equal(t, expect, string(line))
	}
	_, err := src.ReadLine(ctx)
	assert.Equal(t, io.EOF, err)
	_, err = src.ReadLine(ctx)
	assert.Equal(t, io.EOF, err)

	var out bytes.Buffer
	sink := NewStdioSink(&out)
	require.NoError(t, sink.WriteLine([]byte(`{"omd":"x"}`)))
	assert.Equal(t, "", out.String(), "buffered until flush")
	require.NoError(t, sink.Flush(ctx))
	assert.Equal(t, "{\"omd\":\"x\"}\n", out.String())
}

func TestStdioSourceCancel(t *testing.T) {
	t.Parallel()
	r, w := io.Pipe()
	defer w.Close()
	src := NewStdioSource(r)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.ReadLine(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func testMqttConfig() state.TeleConfig {
	return state.TeleConfig{
		Enabled:           true,
		MqttBroker:        "tcp://127.0.0.1:1883",
		MqttClientId:      "scs-ap1-6",
		TopicControl:      testTopic,
		TopicReceipt:      testTopic,
		NetworkTimeoutSec: 1,
		PersistPath:       spq.OnlyForTesting,
	}
}

func expectPub(t testing.TB, mock *MqttMock) MockMsg {
	select {
	case m := <-mock.Pub:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("expected publish")
	}
	return MockMsg{}
}

func TestMqtt(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	m, err := newMqtt(log, testMqttConfig(), mock.MockNew)
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, mock.Opt.CleanSession)
	online := expectPub(t, mock)
	assert.Equal(t, testTopic+"/state", online.T)
	assert.Equal(t, []byte{stateOnline}, online.P)
	assert.True(t, online.R)

	ctx := context.Background()
	go mock.TestPublish(t, testTopic, []byte(`{"tag":"bruno"}`))
	line, err := m.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"tag":"bruno"}`, string(line))

	require.NoError(t, m.WriteLine([]byte(`{"omd":"x"}`)))
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(fctx))
	receipt := expectPub(t, mock)
	assert.Equal(t, testTopic, receipt.T)
	assert.Equal(t, byte(1), receipt.Q)
	assert.False(t, receipt.R)
	assert.Equal(t, `{"omd":"x"}`, string(receipt.P))

	require.NoError(t, m.Close())
	offline := expectPub(t, mock)
	assert.Equal(t, []byte{stateOffline}, offline.P)
	_, err = m.ReadLine(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestMqttConnectRetry(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	mock.FailConnect = 2
	m, err := newMqtt(log, testMqttConfig(), mock.MockNew)
	require.NoError(t, err)
	defer m.Close()

	online := expectPub(t, mock)
	assert.Equal(t, []byte{stateOnline}, online.P)
	mock.Lock()
	assert.Equal(t, 3, mock.Connects)
	mock.Unlock()
	assert.True(t, mock.IsConnected())
}

func TestMqttCloseWhileConnecting(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	mock.FailConnect = 1 << 20
	m, err := newMqtt(log, testMqttConfig(), mock.MockNew)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Close() }()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked by connect retry")
	}
	assert.False(t, mock.IsConnected())
	_, err = m.ReadLine(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestMqttFlushRetry(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	m, err := newMqtt(log, testMqttConfig(), mock.MockNew)
	require.NoError(t, err)
	defer m.Close()
	expectPub(t, mock) // online

	mock.Lock()
	mock.FailPublish = 2
	mock.Unlock()
	require.NoError(t, m.WriteLine([]byte("r1")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, "r1", string(expectPub(t, mock).P))
	assert.Equal(t, 0, m.outbox.Pending())
}

func TestMqttFlushTimeout(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	m, err := newMqtt(log, testMqttConfig(), mock.MockNew)
	require.NoError(t, err)
	defer m.Close()
	expectPub(t, mock) // online

	mock.Lock()
	mock.FailPublish = 1 << 20
	mock.Unlock()
	require.NoError(t, m.WriteLine([]byte("r1")))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, ctx.Err())
	assert.Equal(t, 1, m.outbox.Pending())
}

func TestMqttInvalidConfig(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	cases := []struct {
		name   string
		modify func(*state.TeleConfig)
	}{
		{"broker", func(c *state.TeleConfig) { c.MqttBroker = "" }},
		{"topic", func(c *state.TeleConfig) { c.TopicControl = "" }},
		{"persist", func(c *state.TeleConfig) { c.PersistPath = "" }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			config := testMqttConfig()
			c.modify(&config)
			_, err := newMqtt(log, config, NewMqttMock().MockNew)
			assert.Error(t, err)
		})
	}
}
