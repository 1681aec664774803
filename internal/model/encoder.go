package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tailship/tailship/internal/config"
)

// Format selects the envelope shape for an input.
type Format string

// Supported input formats.
const (
	FormatPlain     Format = "plain"
	FormatJSONEvent Format = "json_event"
)

// derivedField is a compiled derived-field recipe.
type derivedField struct {
	name   string
	field  string
	re     *regexp.Regexp
	concat string
	def    *string
}

var captureRef = regexp.MustCompile(`\$([1-9])`)

// apply evaluates the recipe against the envelope and stores the result
// under @fields. A failed match with no default leaves the envelope
// untouched.
func (d *derivedField) apply(ev map[string]any) {
	src, _ := ev[d.field].(string)

	m := d.re.FindStringSubmatch(src)
	var value string
	switch {
	case m != nil:
		value = captureRef.ReplaceAllStringFunc(d.concat, func(ref string) string {
			n, _ := strconv.Atoi(ref[1:])
			if n < len(m) {
				return m[n]
			}
			return ""
		})
	case d.def != nil:
		value = *d.def
	default:
		return
	}

	fields, ok := ev["@fields"].(map[string]any)
	if !ok {
		fields = make(map[string]any)
		ev["@fields"] = fields
	}
	fields[d.name] = value
}

// Encoder shapes raw lines from one input into typed JSON envelopes.
// It never blocks; time is read once per encoded line.
type Encoder struct {
	typ          string
	tags         []string
	fields       map[string]string
	derived      []*derivedField
	format       Format
	hostname     string
	path         string
	milliseconds bool
	now          func() time.Time
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) EncoderOption {
	return func(e *Encoder) {
		e.now = now
	}
}

// NewEncoder compiles the input's enrichment recipes into an encoder.
// The source path is the file path for file inputs and the listen address
// for socket inputs.
func NewEncoder(in config.InputConfig, hostname, sourcePath string, milliseconds bool, opts ...EncoderOption) (*Encoder, error) {
	e := &Encoder{
		typ:          in.Type,
		tags:         in.Tags,
		fields:       in.Fields,
		format:       Format(in.Format),
		hostname:     hostname,
		path:         sourcePath,
		milliseconds: milliseconds,
		now:          time.Now,
	}

	for _, d := range in.Derived {
		re, err := regexp.Compile(d.Match)
		if err != nil {
			return nil, fmt.Errorf("compiling derived field %q: %w", d.Name, err)
		}
		e.derived = append(e.derived, &derivedField{
			name:   d.Name,
			field:  d.Field,
			re:     re,
			concat: d.Concat,
			def:    d.Default,
		})
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Type returns the input's declared type label.
func (e *Encoder) Type() string {
	return e.typ
}

// Encode turns one raw line into an envelope. The returned type is the
// routing key: for json_event input it is whatever @type the event finally
// carries. An error means the line must be logged and dropped.
func (e *Encoder) Encode(line string) (Envelope, error) {
	var ev map[string]any
	if e.format == FormatJSONEvent {
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return Envelope{}, fmt.Errorf("decoding json_event line: %w", err)
		}
		e.mergeJSONEvent(ev)
	} else {
		ev = e.plainEnvelope(line)
	}

	for _, d := range e.derived {
		d.apply(ev)
	}

	typ, _ := ev["@type"].(string)
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding envelope: %w", err)
	}

	return Envelope{Type: typ, Data: data}, nil
}

// plainEnvelope builds the canonical envelope around a raw line.
func (e *Encoder) plainEnvelope(line string) map[string]any {
	fields := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}

	tags := e.tags
	if tags == nil {
		tags = []string{}
	}

	return map[string]any{
		"@timestamp":   Timestamp(e.now(), e.milliseconds),
		"@source":      "file://" + e.hostname + e.path,
		"@source_host": e.hostname,
		"@source_path": e.path,
		"@type":        e.typ,
		"@fields":      fields,
		"@tags":        tags,
		"@message":     line,
	}
}

// mergeJSONEvent overlays the input's immutable properties onto an event
// that arrived already shaped as JSON. @type keeps the event's own value
// when present; input tags append; static fields overlay top-level keys.
func (e *Encoder) mergeJSONEvent(ev map[string]any) {
	if t, ok := ev["@type"].(string); !ok || t == "" {
		ev["@type"] = e.typ
	}

	tags, _ := ev["@tags"].([]any)
	for _, t := range e.tags {
		tags = append(tags, t)
	}
	if tags != nil {
		ev["@tags"] = tags
	}

	for k, v := range e.fields {
		ev[k] = v
	}
}

// Timestamp renders t as ISO-8601 with a colonized UTC offset. UTC renders
// as Z; milliseconds are appended before the offset when requested.
func Timestamp(t time.Time, milliseconds bool) string {
	layout := "2006-01-02T15:04:05-07:00"
	if milliseconds {
		layout = "2006-01-02T15:04:05.000-07:00"
	}
	s := t.Format(layout)
	if strings.HasSuffix(s, "+00:00") {
		s = s[:len(s)-6] + "Z"
	}
	return s
}
