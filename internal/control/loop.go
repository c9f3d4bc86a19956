package control

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/scsdev/log2"
)

const DefaultFlushTimeout = 30 * time.Second

// LineSource delivers inbound lines one at a time.
// ReadLine blocks without timeout, returns io.EOF at end of stream.
type LineSource interface {
	ReadLine(ctx context.Context) ([]byte, error)
}

// LineSink accepts outbound lines. Flush returns after written lines are delivered.
type LineSink interface {
	WriteLine(line []byte) error
	Flush(ctx context.Context) error
}

// Disposition is final state of one inbound line.
type Disposition uint8

const (
	Discarded Disposition = iota + 1
	Unauthorized
	Answered
)

func (d Disposition) String() string {
	switch d {
	case Discarded:
		return "discarded"
	case Unauthorized:
		return "unauthorized"
	case Answered:
		return "answered"
	default:
		return fmt.Sprintf("Disposition(%d)", uint8(d))
	}
}

type Stat struct {
	Lines        expvar.Int
	Discarded    expvar.Int
	Unauthorized expvar.Int
	Denied       expvar.Int
	Receipts     expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("lines=%s discarded=%s unauthorized=%s denied=%s receipts=%s",
		s.Lines.String(), s.Discarded.String(), s.Unauthorized.String(), s.Denied.String(), s.Receipts.String())
}

type ReceiverOptions struct {
	Tag      string
	Digester *Digester
	Resolver *Resolver
	Executor *Executor
	Sink     LineSink
	// Echo receives each authentic datum, optional.
	Echo         LineSink
	Log          *log2.Log
	Now          func() time.Time
	FlushTimeout time.Duration
}

// Receiver is the control loop: one inbound line at a time,
// parse, address filter, authenticate, resolve, execute, emit receipt.
// Commands classed deferred run after their receipt is flushed.
type Receiver struct {
	opt   ReceiverOptions
	log   *log2.Log
	alive *alive.Alive
	stat  Stat
}

func NewReceiver(opt ReceiverOptions) (*Receiver, error) {
	switch {
	case opt.Tag == "":
		return nil, errors.NotValidf("receiver tag empty")
	case opt.Digester == nil:
		return nil, errors.NotValidf("code error receiver Digester=nil")
	case opt.Resolver == nil:
		return nil, errors.NotValidf("code error receiver Resolver=nil")
	case opt.Sink == nil:
		return nil, errors.NotValidf("code error receiver Sink=nil")
	}
	if opt.Executor == nil {
		opt.Executor = NewExecutor(opt.Log)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.FlushTimeout == 0 {
		opt.FlushTimeout = DefaultFlushTimeout
	}
	return &Receiver{
		opt:   opt,
		log:   opt.Log,
		alive: alive.NewAlive(),
	}, nil
}

func (r *Receiver) Stat() *Stat { return &r.stat }

// Stop makes Run return before reading next line. Command in progress is not interrupted.
func (r *Receiver) Stop() { r.alive.Stop() }

// Wait blocks until Run returned.
func (r *Receiver) Wait() { r.alive.Wait() }

// Run returns nil when stream ends, ctx is done or Stop is called.
// Error is returned only for transport failure.
func (r *Receiver) Run(ctx context.Context, src LineSource) error {
	if !r.alive.Add(1) {
		return nil
	}
	defer r.alive.Stop()
	defer r.alive.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	for r.alive.IsRunning() {
		line, err := src.ReadLine(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				r.log.Debugf("control loop end err=%v", err)
				return nil
			}
			return errors.Annotate(err, "control read")
		}
		if _, err = r.Handle(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// Handle processes one inbound line to completion.
// Deferred command executes after receipt flush and may not return.
func (r *Receiver) Handle(ctx context.Context, line []byte) (Disposition, error) {
	r.stat.Lines.Add(1)

	d, err := ParseDatum(line)
	if err != nil {
		r.stat.Discarded.Add(1)
		r.log.Debugf("control skip line err=%v", err)
		return Discarded, nil
	}
	if !d.AddressedTo(r.opt.Tag) {
		r.stat.Discarded.Add(1)
		return Discarded, nil
	}
	r.log.Debugf("control datum tag=%s rec=%s cmd_tokens=%q", d.Tag, d.Rec, d.CmdTokens)

	if !d.Authentic(r.opt.Digester) {
		r.stat.Unauthorized.Add(1)
		r.log.Errorf("control: %v tag=%s rec=%s cmd_tokens=%q digest=%s",
			ErrDigestMismatch, d.Tag, d.Rec, d.CmdTokens, d.Digest)
		return Unauthorized, nil
	}

	if r.opt.Echo != nil {
		if err := r.emit(ctx, r.opt.Echo, Envelope(d.Topic, d)); err != nil {
			r.log.Errorf("control echo err=%v", err)
		}
	}

	c := r.opt.Resolver.Resolve(d.CmdTokens)
	if c.Outcome() == OutcomeUnauthorized {
		r.stat.Denied.Add(1)
		r.log.Infof("control: %v name=%s from tag=%s", ErrUnauthorized, c.Name, d.Tag)
	}
	if c.Runnable() && !c.Deferred {
		r.opt.Executor.Execute(ctx, c)
	}

	receipt := BuildReceipt(r.opt.Tag, d, r.opt.Now(), c, r.opt.Digester)
	if err := r.emit(ctx, r.opt.Sink, Envelope(d.Topic, receipt)); err != nil {
		return Answered, errors.Annotatef(err, "control receipt omd=%s", receipt.Omd)
	}
	r.stat.Receipts.Add(1)
	r.log.Debugf("control receipt omd=%s digest=%s", receipt.Omd, receipt.Digest)

	if c.Runnable() && c.Deferred {
		r.log.Infof("control deferred execute %s", c.String())
		r.opt.Executor.Execute(ctx, c)
	}
	return Answered, nil
}

// emit writes and flushes one document. Flush outlives ctx cancel so interrupt
// does not cut the receipt in the middle; flush timeout is logged, not returned,
// because sink may hold the line durably.
func (r *Receiver) emit(ctx context.Context, sink LineSink, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "json")
	}
	if err = sink.WriteLine(b); err != nil {
		return errors.Annotate(err, "write")
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opt.FlushTimeout)
	defer cancel()
	err = sink.Flush(fctx)
	if err != nil && fctx.Err() == context.DeadlineExceeded {
		r.log.Errorf("control flush timeout=%v err=%v", r.opt.FlushTimeout, err)
		return nil
	}
	return errors.Annotate(err, "flush")
}
