package control

import (
	"time"
)

// Receipt is signed response to one authentic Datum.
// Omd chains it to the request digest.
type Receipt struct {
	Tag    string `json:"tag"`
	Rec    string `json:"rec"`
	Cmd    Result `json:"cmd"`
	Omd    string `json:"omd"`
	Digest string `json:"digest"`
}

type receiptContent struct {
	Tag string `json:"tag"`
	Rec string `json:"rec"`
	Cmd Result `json:"cmd"`
	Omd string `json:"omd"`
}

func (r *Receipt) content() receiptContent {
	return receiptContent{Tag: r.Tag, Rec: r.Rec, Cmd: r.Cmd, Omd: r.Omd}
}

// BuildReceipt: command outcome may be pending (deferred) or unauthorized.
func BuildReceipt(tag string, d *Datum, now time.Time, c *Command, dg *Digester) *Receipt {
	r := &Receipt{
		Tag: tag,
		Rec: now.Format(TimeLayout),
		Cmd: c.Result(),
		Omd: d.Digest,
	}
	r.Digest = dg.Compute(DomainReceipt, r.content())
	return r
}

// Authentic verifies receipt digest, operator side.
func (r *Receipt) Authentic(dg *Digester) bool {
	return dg.Verify(DomainReceipt, r.content(), r.Digest)
}

// Answers reports whether receipt chains to given request.
func (r *Receipt) Answers(d *Datum) bool { return r.Omd == d.Digest }

// ParseReceipt accepts bare or topic-wrapped receipt line.
func ParseReceipt(line []byte) (*Receipt, error) {
	doc, _, err := decodeDocument(line, "omd")
	if err != nil {
		return nil, err
	}

	r := &Receipt{}
	for _, f := range []struct {
		name string
		dst  interface{}
	}{
		{"tag", &r.Tag},
		{"rec", &r.Rec},
		{"cmd", &r.Cmd},
		{"omd", &r.Omd},
		{"digest", &r.Digest},
	} {
		if err := decodeRequired(doc, f.name, f.dst); err != nil {
			return nil, err
		}
	}
	r.Cmd.Params = nonNil(r.Cmd.Params)
	r.Cmd.Stdout = nonNil(r.Cmd.Stdout)
	r.Cmd.Stderr = nonNil(r.Cmd.Stderr)
	return r, nil
}
