package tele

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-process paho Client. Connect runs OnConnect synchronously
// or fails while FailConnect > 0. Publish records messages or fails while FailPublish > 0.
type MqttMock struct {
	sync.Mutex
	Opt         *mqtt.ClientOptions
	Pub         chan MockMsg
	FailConnect int
	FailPublish int
	Connects    int

	subs      []MockSub
	connected bool
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 32),
		subs: make([]MockSub, 0, 16),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

// TestPublish delivers inbound message like broker would, blocks until handler returns.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			sub.Handler(self, MockMsg{T: topic, P: payload, Q: sub.Qos})
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (self *MqttMock) Disconnect(uint) {
	self.Lock()
	self.connected = false
	self.Unlock()
}
func (self *MqttMock) IsConnected() bool {
	self.Lock()
	defer self.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *MqttMock) Connect() mqtt.Token {
	self.Lock()
	self.Connects++
	if self.FailConnect > 0 {
		self.FailConnect--
		self.Unlock()
		return mockToken{errors.Errorf("mock connect refused")}
	}
	self.connected = true
	self.Unlock()
	if self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Lock()
	if self.FailPublish > 0 {
		self.FailPublish--
		self.Unlock()
		return mockToken{errors.Errorf("mock publish failure")}
	}
	self.Unlock()
	self.Pub <- MockMsg{T: topic, P: payload.([]byte), Q: qos, R: retain}
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }

type MockMsg struct {
	T string
	P []byte
	Q byte
	R bool
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return msg.R }
func (msg MockMsg) Topic() string     { return msg.T }
