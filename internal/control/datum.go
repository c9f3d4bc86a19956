package control

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// TimeLayout is ISO-8601 with milliseconds and numeric offset, used for `rec` fields this side produces.
const TimeLayout = "2006-01-02T15:04:05.000-07:00"

// Datum is one inbound control request.
// Parsed datum is not validated: see AddressedTo and Authentic.
type Datum struct {
	Tag       string   `json:"tag"`
	Attn      string   `json:"attn"`
	Rec       string   `json:"rec"`
	CmdTokens []string `json:"cmd_tokens"`
	Digest    string   `json:"digest"`

	// Topic is set when datum arrived wrapped in {"<topic>": {...}} envelope.
	Topic      string    `json:"-"`
	RecordedAt time.Time `json:"-"`
}

// content is the digested part of Datum, field order is fixed by canonical JSON.
type datumContent struct {
	Tag       string   `json:"tag"`
	Attn      string   `json:"attn"`
	Rec       string   `json:"rec"`
	CmdTokens []string `json:"cmd_tokens"`
}

func (d *Datum) content() datumContent {
	tokens := d.CmdTokens
	if tokens == nil {
		tokens = []string{}
	}
	return datumContent{Tag: d.Tag, Attn: d.Attn, Rec: d.Rec, CmdTokens: tokens}
}

func (d *Datum) AddressedTo(tag string) bool { return d.Attn == tag }

// Authentic recomputes digest with local key and compares in constant time.
func (d *Datum) Authentic(dg *Digester) bool {
	return dg.Verify(DomainDatum, d.content(), d.Digest)
}

// NewDatum builds signed request, operator side of the channel.
func NewDatum(tag, attn string, now time.Time, tokens []string, dg *Digester) *Datum {
	if tokens == nil {
		tokens = []string{}
	}
	d := &Datum{
		Tag:        tag,
		Attn:       attn,
		Rec:        now.Format(TimeLayout),
		CmdTokens:  tokens,
		RecordedAt: now,
	}
	d.Digest = dg.Compute(DomainDatum, d.content())
	return d
}

// ParseDatum fails with ErrMalformedInput when line is not JSON
// and ErrSchemaMismatch when required fields are absent or of wrong shape.
func ParseDatum(line []byte) (*Datum, error) {
	doc, topic, err := decodeDocument(line, "tag")
	if err != nil {
		return nil, err
	}
	d := &Datum{Topic: topic}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"tag", &d.Tag},
		{"attn", &d.Attn},
		{"rec", &d.Rec},
		{"digest", &d.Digest},
	} {
		if err := decodeRequired(doc, f.name, f.dst); err != nil {
			return nil, err
		}
	}
	if err := decodeRequired(doc, "cmd_tokens", &d.CmdTokens); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, d.Rec)
	if err != nil {
		return nil, errors.Annotatef(ErrSchemaMismatch, "rec=%q", d.Rec)
	}
	d.RecordedAt = t
	return d, nil
}

func decodeRequired(doc map[string]json.RawMessage, name string, dst interface{}) error {
	raw, ok := doc[name]
	if !ok {
		return errors.Annotatef(ErrSchemaMismatch, "field=%s missing", name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.Annotatef(ErrSchemaMismatch, "field=%s null", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Annotatef(ErrSchemaMismatch, "field=%s", name)
	}
	return nil
}

// decodeDocument parses JSON object line, unwrapping {"<topic>": {...}} envelope
// when the object lacks marker field and has exactly one key.
func decodeDocument(line []byte, marker string) (map[string]json.RawMessage, string, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !json.Valid(line) {
		return nil, "", ErrMalformedInput
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(line, &doc); err != nil || doc == nil {
		return nil, "", errors.Annotate(ErrSchemaMismatch, "not an object")
	}
	if _, ok := doc[marker]; ok || len(doc) != 1 {
		return doc, "", nil
	}
	for topic, inner := range doc {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(inner, &payload); err != nil || payload == nil {
			return nil, "", errors.Annotatef(ErrSchemaMismatch, "topic=%s payload not an object", topic)
		}
		return payload, topic, nil
	}
	panic("unreachable")
}

// Envelope wraps v into {"<topic>": v} when topic is set.
func Envelope(topic string, v interface{}) interface{} {
	if topic == "" {
		return v
	}
	return map[string]interface{}{topic: v}
}
