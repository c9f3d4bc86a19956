package tele

import (
	"context"
	"io"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/scsdev/helpers"
	"github.com/temoto/scsdev/internal/state"
	"github.com/temoto/scsdev/log2"
)

const (
	stateOffline byte = 0x00
	stateOnline  byte = 0x01
)

// Mqtt is device side control channel over MQTT broker.
// - NewMqtt fails only with invalid config, network may be absent
// - inbound documents are handed to ReadLine one at a time, message handler blocks meanwhile
// - outbound lines go through durable outbox, Flush waits for broker ack
// - will message marks device offline on `<topic_control>/state`
type Mqtt struct {
	alive  *alive.Alive
	config state.TeleConfig
	log    *log2.Log
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	outbox *outbox
	inbox  chan []byte

	topicControl string
	topicReceipt string
	topicState   string
}

func NewMqtt(log *log2.Log, config state.TeleConfig) (*Mqtt, error) {
	return newMqtt(log, config, mqtt.NewClient)
}

func newMqtt(log *log2.Log, config state.TeleConfig, newClient func(*mqtt.ClientOptions) mqtt.Client) (*Mqtt, error) {
	if _, err := url.ParseRequestURI(config.MqttBroker); err != nil {
		return nil, errors.Annotatef(err, "tele mqtt_broker=%s", config.MqttBroker)
	}
	if config.TopicControl == "" {
		return nil, errors.NotValidf("tele topic_control empty")
	}
	self := &Mqtt{
		alive:        alive.NewAlive(),
		config:       config,
		log:          log,
		inbox:        make(chan []byte),
		topicControl: config.TopicControl,
		topicReceipt: config.TopicReceipt,
		topicState:   config.TopicControl + "/state",
	}
	if self.topicReceipt == "" {
		self.topicReceipt = self.topicControl
	}

	mqttLog := log.Clone(log2.LInfo)
	if config.MqttLogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog
	}
	mqtt.ERROR = mqttLog
	mqtt.CRITICAL = mqttLog
	mqtt.WARN = mqttLog

	var err error
	self.outbox, err = openOutbox(config.PersistPath, log, self.publishReceipt)
	if err != nil {
		return nil, errors.Trace(err)
	}

	networkTimeout := config.NetworkTimeout()
	if networkTimeout < time.Second {
		networkTimeout = time.Second
	}
	clientId := config.MqttClientId
	credFun := func() (string, string) {
		return clientId, config.MqttPassword
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetBinaryWill(self.topicState, []byte{stateOffline}, 1, true).
		SetCleanSession(false).
		SetClientID(clientId).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(config.Keepalive()).
		SetPingTimeout(networkTimeout).
		SetConnectTimeout(networkTimeout).
		SetOrderMatters(true).
		SetResumeSubs(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(config.Keepalive()).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = newClient(self.mopt)

	self.alive.Add(1)
	go self.connector(helpers.Backoff{Min: networkTimeout / 2, Max: config.Keepalive(), K: 2})
	return self, nil
}

// connector retries first connect until success or Close.
// paho AutoReconnect only works after first successful connect.
func (self *Mqtt) connector(backoff helpers.Backoff) {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		token := self.m.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			return
		}
		backoff.Failure()
		delay := backoff.DelayBefore()
		self.log.Errorf("tele mqtt connect err=%v retry in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}

// ReadLine returns io.EOF after Close.
func (self *Mqtt) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case b := <-self.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.alive.StopChan():
		return nil, io.EOF
	}
}

func (self *Mqtt) WriteLine(line []byte) error {
	return self.outbox.Push(line)
}

func (self *Mqtt) Flush(ctx context.Context) error {
	return self.outbox.Flush(ctx)
}

func (self *Mqtt) Close() error {
	if !self.alive.IsRunning() {
		return nil
	}
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		token := self.m.Publish(self.topicState, 1, true, []byte{stateOffline})
		if !token.WaitTimeout(self.config.NetworkTimeout()) {
			self.log.Errorf("tele mqtt publish offline state timeout")
		}
	}
	err := self.outbox.Close()
	self.m.Disconnect(uint(self.config.NetworkTimeout() / time.Millisecond))
	return errors.Annotate(err, "tele close")
}

func (self *Mqtt) publishReceipt(payload []byte) error {
	token := self.m.Publish(self.topicReceipt, 1, false, payload)
	if !token.WaitTimeout(self.config.NetworkTimeout()) {
		return errors.Timeoutf("tele mqtt publish topic=%s", self.topicReceipt)
	}
	return errors.Annotatef(token.Error(), "tele mqtt publish topic=%s", self.topicReceipt)
}

func (self *Mqtt) messageHandler(c mqtt.Client, msg mqtt.Message) {
	if msg.Topic() != self.topicControl {
		self.log.Debugf("tele mqtt skip topic=%s", msg.Topic())
		return
	}
	payload := append([]byte(nil), msg.Payload()...)
	self.log.Debugf("tele mqtt message topic=%s len=%d", msg.Topic(), len(payload))
	select {
	case self.inbox <- payload:
	case <-self.alive.StopChan():
		self.log.Infof("tele mqtt message dropped on close topic=%s", msg.Topic())
	}
}

func (self *Mqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("tele mqtt connection lost err=%v", err)
}

func (self *Mqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("tele mqtt connected")
	token := c.Subscribe(self.topicControl, 1, self.messageHandler)
	if !token.WaitTimeout(self.config.NetworkTimeout()) || token.Error() != nil {
		self.log.Errorf("tele mqtt subscribe topic=%s err=%v", self.topicControl, token.Error())
		return
	}
	c.Publish(self.topicState, 1, true, []byte{stateOnline})
}
