package control

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gowebpki/jcs"
	"github.com/juju/errors"
	"golang.org/x/crypto/hkdf"
)

// Domain separates digest keys per document kind,
// so a receipt digest never verifies as a datum digest.
type Domain uint8

const (
	DomainDatum Domain = iota + 1
	DomainReceipt
)

func (d Domain) info() []byte {
	switch d {
	case DomainDatum:
		return []byte("scs/control/datum/v1")
	case DomainReceipt:
		return []byte("scs/control/receipt/v1")
	default:
		panic(fmt.Sprintf("code error unknown digest domain=%d", d))
	}
}

// DigestSize is length of hex digest string.
const DigestSize = sha256.Size * 2

// Digester computes keyed digests over canonical JSON content.
// Immutable after NewDigester, safe for concurrent use.
type Digester struct {
	keys [3][]byte
}

func NewDigester(secret []byte) (*Digester, error) {
	if len(secret) == 0 {
		return nil, ErrSecretEmpty
	}
	d := &Digester{}
	for _, dom := range []Domain{DomainDatum, DomainReceipt} {
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, secret, nil, dom.info())
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errors.Annotate(err, "hkdf")
		}
		d.keys[dom] = key
	}
	return d, nil
}

// Compute returns lowercase hex HMAC-SHA256 of RFC 8785 canonical JSON of v.
// v must be JSON-serializable value built from strings, numbers, slices and maps/structs.
func (d *Digester) Compute(dom Domain, v interface{}) string {
	canon, err := Canonical(v)
	if err != nil {
		// content types are fixed in this package, cannot fail on valid input
		panic("code error digest canonical: " + err.Error())
	}
	return d.ComputeBytes(dom, canon)
}

func (d *Digester) ComputeBytes(dom Domain, canon []byte) string {
	h := hmac.New(sha256.New, d.keys[dom])
	_, _ = h.Write(canon)
	var b [sha256.Size]byte
	return hex.EncodeToString(h.Sum(b[:0]))
}

// Verify recomputes digest of v and compares with given in constant time.
func (d *Digester) Verify(dom Domain, v interface{}, digest string) bool {
	expect := d.Compute(dom, v)
	return hmac.Equal([]byte(expect), []byte(digest))
}

// Canonical serializes v into RFC 8785 JSON: sorted keys, no insignificant whitespace,
// fixed number and string encoding.
func Canonical(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "json")
	}
	b, err = jcs.Transform(b)
	return b, errors.Annotate(err, "jcs")
}
