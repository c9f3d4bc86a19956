// Package tele carries control channel lines between device and operator:
// stdin/stdout or MQTT broker with durable outbox.
package tele

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/scsdev/helpers"
	"github.com/temoto/scsdev/log2"
	"github.com/temoto/spq"
)

// denote value type in persistent queue bytes form
const (
	qReceipt byte = 1
)

const qHeaderLen = 1 + 8

// outbox contract:
// - Push blocks at most for disk write
// - items are delivered at least once, in background, surviving restart
// - Flush waits only for items pushed by this process
type outbox struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	log     *log2.Log
	q       *spq.Queue
	runID   uint64
	send    func(payload []byte) error

	mu      sync.Mutex
	pending int
	changed chan struct{}
}

func openOutbox(path string, log *log2.Log, send func([]byte) error) (*outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("tele outbox persist path empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "tele outbox path=%s", path)
	}
	o := &outbox{
		alive:   alive.NewAlive(),
		backoff: helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2},
		log:     log,
		q:       q,
		runID:   uint64(time.Now().UnixNano()),
		send:    send,
		changed: make(chan struct{}),
	}
	o.alive.Add(1)
	go o.qworker()
	return o, nil
}

func (o *outbox) Push(payload []byte) error {
	b := make([]byte, qHeaderLen+len(payload))
	b[0] = qReceipt
	binary.BigEndian.PutUint64(b[1:], o.runID)
	copy(b[qHeaderLen:], payload)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.q.Push(b); err != nil {
		return errors.Annotate(err, "tele outbox push")
	}
	o.pending++
	return nil
}

// Flush returns nil when every item pushed by this process was delivered.
func (o *outbox) Flush(ctx context.Context) error {
	for {
		o.mu.Lock()
		pending, ch := o.pending, o.changed
		o.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "tele outbox pending=%d", pending)
		case <-o.alive.StopChan():
			return errors.Errorf("tele outbox closed pending=%d", pending)
		}
	}
}

func (o *outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *outbox) delivered(runID uint64) {
	if runID != o.runID {
		return
	}
	o.mu.Lock()
	o.pending--
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

func (o *outbox) Close() error {
	o.alive.Stop()
	err := o.q.Close()
	o.alive.Wait()
	return err
}

func (o *outbox) qworker() {
	defer o.alive.Done()
	stopch := o.alive.StopChan()
	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			del, runID, err := o.qhandle(b)
			if err != nil {
				o.log.Errorf("tele outbox item=%x err=%v", b, err)
			}
			if del {
				if err = o.q.Delete(box); err != nil {
					o.log.Errorf("tele outbox Delete err=%v", err)
					continue
				}
				o.backoff.Reset()
				o.delivered(runID)
				continue
			}
			if err = o.q.DeletePush(box); err != nil {
				o.log.Errorf("tele outbox DeletePush err=%v", err)
			}
			o.backoff.Failure()
			select {
			case <-time.After(o.backoff.DelayBefore()):
			case <-stopch:
				return
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				o.log.Errorf("CRITICAL tele outbox closed unexpectedly")
			}
			return

		default:
			o.log.Errorf("CRITICAL tele outbox err=%v", err)
			select {
			case <-time.After(time.Second):
			case <-stopch:
				return
			}
		}
	}
}

// qhandle returns del=true when item is delivered or can never be.
func (o *outbox) qhandle(b []byte) (bool, uint64, error) {
	if len(b) < qHeaderLen {
		return true, 0, errors.Errorf("item too short")
	}
	runID := binary.BigEndian.Uint64(b[1:qHeaderLen])
	switch b[0] {
	case qReceipt:
		if err := o.send(b[qHeaderLen:]); err != nil {
			return false, runID, err
		}
		return true, runID, nil

	default:
		return true, runID, errors.Errorf("unknown kind=%d", b[0])
	}
}
