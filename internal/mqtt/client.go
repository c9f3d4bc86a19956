// Package mqtt is operator side MQTT client for the control channel.
// - NewClient() returns only configuration errors, network IO is done in background
// - clean session, subscribe once after every connect
// - unlimited reconnect attempts until Close()
// - QOS 0,1; concurrent Publish calls each wait for own PUBACK
// - Publish while offline waits for connection within ctx
package mqtt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/scsdev/helpers/atomic_clock"
	"github.com/temoto/scsdev/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Log            *log2.Log

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
}

type Client struct {
	sync.Mutex

	acks    *future.Store
	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		Timeout: opt.NetworkTimeout,
	})

	c := &Client{
		acks:   future.NewStore(),
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	c.opt.onpacket = c.onPacket
	_ = c.clientConn(true)

	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		err = cc.die(err)
	}
	c.alive.Stop()
	c.alive.Wait()
	return err
}

// Publish returns after PUBACK for QOS 1, after send for QOS 0.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	var f *future.Future
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
		f = future.New()
		c.acks.Put(publish.ID, f)
		defer c.acks.Delete(publish.ID)
	}
	if err := c.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if f == nil {
		return nil
	}

	switch err := f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if err, _ = f.Result().(error); err == nil {
			err = errors.Errorf("code error ack future canceled with nil")
		}
		return errors.Annotatef(err, "expect PUBACK id=%d", publish.ID)

	case future.ErrTimeout:
		err = errors.Timeoutf("PUBACK id=%d", publish.ID)
		f.Cancel(err)
		return c.disconnect(err)

	default:
		return fmt.Errorf("code error future.Wait()=%v", err)
	}
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, try next one
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.opt.Subscriptions,
			}
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(cc *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)
	case *packet.Puback:
		if f := c.acks.Get(pt.ID); f != nil {
			f.Complete(pt.ID)
		} else {
			c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", pt.ID)
		}
	default:
		c.opt.Log.Debugf("mqtt unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(cc *clientConn, publish *packet.Publish) {
	if publish.Message.QOS >= packet.QOSExactlyOnce {
		_ = cc.die(errors.NotSupportedf("QOS=%d", publish.Message.QOS))
		return
	}
	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("mqtt onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
		_ = cc.die(err)
		return
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = cc.send(puback)
	}
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(true); cc != nil {
		return cc.send(pkt)
	}
	return ErrClientClosing
}

func (c *Client) worker() {
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		c.opt.Log.Debugf("mqtt reconnect delay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

// clientConn is single broker connection: transport.Conn with CONNECT, SUBSCRIBE and pings.
// Connected and subscribed events are observed via futures.
type clientConn struct {
	alive  *alive.Alive
	closed uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    ClientOptions
	pingat *atomic_clock.Clock // last outgoing packet
	pongat *atomic_clock.Clock // last PINGRESP
	subfu  *future.Future
	subpkt *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		pingat: atomic_clock.New(),
		pongat: atomic_clock.New(),
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "mqtt dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(cc.opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = cc.die(errors.Annotate(err, "mqtt expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = cc.die(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt server error pkt=%s", PacketString(pkt)))
		return
	}
	cc.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	cc.confu.Complete(true)
	conn.SetReadTimeout(0)

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// PINGREQ is sent as late as possible: keepalive*1.5 minus network timeout after last packet.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		if window < interval {
			select {
			case <-time.After(interval - window):
				continue
			case <-stopch:
				return
			}
		}
		if err := cc.send(packet.NewPingreq()); err != nil {
			return
		}
		if now.Sub(cc.pongat) > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			cc.opt.Log.Errorf("mqtt server closed connection")
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		cc.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("mqtt server error duplicate CONNACK"))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return cc.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
		return
	}
	if err := cc.send(cc.subpkt); err != nil {
		return
	}
	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("mqtt subscribe"))
	}
}

// Returns ErrClientClosing when connection is lost, nil when connected and subscribed,
// context.Canceled on ctx done.
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}
	pollInterval := 100 * time.Millisecond
	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
