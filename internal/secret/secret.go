// Package secret keeps the device shared secret at rest.
// Storage is extremofile directory: checksummed main copy plus backup.
package secret

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/scsdev/log2"
)

const generateSize = 32

// Every record has the same size: extremofile overwrites in place without truncate,
// shorter payload would leave stale tail and fail checksum.
const (
	recordSize    = 512
	recordHeader  = 2
	MaxSecretSize = recordSize - recordHeader
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

type Store struct {
	log     *log2.Log
	dir     string
	storage storage
}

func NewStore(dir string, log *log2.Log) (*Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("secret dir empty")
	}
	return &Store{
		log: log,
		dir: dir,
		storage: extremofile.New(extremofile.Config{
			Dir:      dir,
			DirPerm:  0700,
			FilePerm: 0600,
		}),
	}, nil
}

// Load returns NotFound error when secret was never stored.
func (s *Store) Load() ([]byte, error) {
	tbegin := time.Now()
	record, err := s.storage.Read()
	s.log.Debugf("secret dir=%s read duration=%v", s.dir, time.Since(tbegin))
	if record == nil {
		if err != nil {
			return nil, errors.Annotatef(err, "secret dir=%s", s.dir)
		}
		return nil, errors.NotFoundf("secret dir=%s", s.dir)
	}
	if err != nil {
		// main copy damaged, backup worked
		s.log.Errorf("secret dir=%s ignore non-critical storage err=%v", s.dir, err)
	}
	b, err := decodeRecord(record)
	if err != nil {
		return nil, errors.Annotatef(err, "secret dir=%s", s.dir)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.NotFoundf("secret dir=%s empty", s.dir)
	}
	return b, nil
}

func (s *Store) Store(secret []byte) error {
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return errors.NotValidf("secret empty")
	}
	record, err := encodeRecord(secret)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.storage.Write(record)
	return errors.Annotatef(err, "secret dir=%s store", s.dir)
}

func encodeRecord(secret []byte) ([]byte, error) {
	if len(secret) > MaxSecretSize {
		return nil, errors.NotValidf("secret length=%d max=%d", len(secret), MaxSecretSize)
	}
	record := make([]byte, recordSize)
	binary.BigEndian.PutUint16(record, uint16(len(secret)))
	copy(record[recordHeader:], secret)
	return record, nil
}

func decodeRecord(record []byte) ([]byte, error) {
	if len(record) != recordSize {
		return nil, errors.NotValidf("secret record size=%d expected=%d", len(record), recordSize)
	}
	n := int(binary.BigEndian.Uint16(record))
	if n > MaxSecretSize {
		return nil, errors.NotValidf("secret record length=%d", n)
	}
	return record[recordHeader : recordHeader+n], nil
}

// Generate stores new random secret. Existing secret is replaced only with force.
func (s *Store) Generate(force bool) ([]byte, error) {
	if !force {
		_, err := s.Load()
		switch {
		case err == nil:
			return nil, errors.AlreadyExistsf("secret dir=%s", s.dir)
		case !errors.IsNotFound(err):
			return nil, errors.Trace(err)
		}
	}
	secret, err := Random(rand.Reader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = s.Store(secret); err != nil {
		return nil, errors.Trace(err)
	}
	return secret, nil
}

// Random returns hex encoding of fresh random bytes.
func Random(r io.Reader) ([]byte, error) {
	raw := make([]byte, generateSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Annotate(err, "random")
	}
	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}
