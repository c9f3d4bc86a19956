// Package operator is the requesting side of the control channel:
// signs datums, matches receipts by omd, verifies receipt digests.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/scsdev/internal/control"
	"github.com/temoto/scsdev/log2"
)

// Publisher delivers one datum document to the channel.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type PublisherFunc func(ctx context.Context, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, payload []byte) error { return f(ctx, payload) }

type Session struct {
	Now func() time.Time

	dg  *control.Digester
	log *log2.Log
	tag string

	mu      sync.Mutex
	pending map[string]chan *control.Receipt // by datum digest
}

func NewSession(tag string, dg *control.Digester, log *log2.Log) *Session {
	return &Session{
		Now:     time.Now,
		dg:      dg,
		log:     log,
		tag:     tag,
		pending: make(map[string]chan *control.Receipt),
	}
}

func (s *Session) request(attn string, tokens []string) (*control.Datum, chan *control.Receipt) {
	d := control.NewDatum(s.tag, attn, s.Now(), tokens, s.dg)
	ch := make(chan *control.Receipt, 1)
	s.mu.Lock()
	s.pending[d.Digest] = ch
	s.mu.Unlock()
	return d, ch
}

func (s *Session) forget(d *control.Datum) {
	s.mu.Lock()
	delete(s.pending, d.Digest)
	s.mu.Unlock()
}

// Pending returns number of requests waiting for receipt.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandleLine accepts any document seen on the channel.
// Returns matched receipt, nil for documents addressed elsewhere.
// Receipt with invalid digest is dropped with ErrDigestMismatch.
func (s *Session) HandleLine(line []byte) (*control.Receipt, error) {
	r, err := control.ParseReceipt(line)
	if err != nil {
		// own datums and other traffic share the topic
		s.log.Debugf("operator skip line err=%v", err)
		return nil, nil
	}
	if r.Tag == s.tag {
		return nil, nil
	}
	s.mu.Lock()
	ch, ok := s.pending[r.Omd]
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("operator skip receipt omd=%s not pending", r.Omd)
		return nil, nil
	}
	if !r.Authentic(s.dg) {
		err = errors.Annotatef(control.ErrDigestMismatch, "receipt tag=%s omd=%s digest=%s", r.Tag, r.Omd, r.Digest)
		s.log.Error(err)
		return nil, err
	}
	s.mu.Lock()
	delete(s.pending, r.Omd)
	s.mu.Unlock()
	ch <- r
	return r, nil
}

// Exchange publishes signed datum and waits for authentic receipt answering it.
func (s *Session) Exchange(ctx context.Context, pub Publisher, attn string, tokens []string) (*control.Receipt, error) {
	if attn == "" {
		return nil, errors.NotValidf("attn empty")
	}
	d, ch := s.request(attn, tokens)
	defer s.forget(d)

	b, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Annotate(err, "json")
	}
	s.log.Debugf("operator request attn=%s cmd_tokens=%q digest=%s", attn, tokens, d.Digest)
	if err = pub.Publish(ctx, b); err != nil {
		return nil, errors.Annotate(err, "operator publish")
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, errors.Timeoutf("receipt attn=%s omd=%s", attn, d.Digest)
	}
}

// ParseCommand splits console input `ATTN CMD [PARAMS...]`.
// Missing CMD means `?`.
func ParseCommand(line string) (attn string, tokens []string, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, errors.NotValidf("empty input, expected ATTN CMD [PARAMS...]")
	}
	return fields[0], fields[1:], nil
}

// FormatReceipt renders command result for human.
func FormatReceipt(r *control.Receipt) string {
	var b strings.Builder
	name := ""
	if r.Cmd.Cmd != nil {
		name = *r.Cmd.Cmd
	}
	fmt.Fprintf(&b, "%s %s %s", r.Tag, r.Rec, name)
	for _, p := range r.Cmd.Params {
		fmt.Fprintf(&b, " %s", p)
	}
	b.WriteByte('\n')
	for _, line := range r.Cmd.Stdout {
		fmt.Fprintf(&b, "%s\n", line)
	}
	for _, line := range r.Cmd.Stderr {
		fmt.Fprintf(&b, "stderr: %s\n", line)
	}
	if r.Cmd.Ret == nil {
		b.WriteString("ret=null (deferred)\n")
	} else {
		fmt.Fprintf(&b, "ret=%d\n", *r.Cmd.Ret)
	}
	return b.String()
}
