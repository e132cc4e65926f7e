package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tachyon/pkg/models"
)

// DefaultSubjectPrefix is prepended to the event type when no subject is given.
const DefaultSubjectPrefix = "tachyon.stream."

var (
	// ErrMissingEventID is returned when no event id field is present.
	ErrMissingEventID = errors.New("missing event_id")
	// ErrMissingSubject is returned when neither subject nor type is present.
	ErrMissingSubject = errors.New("missing subject")
	// ErrTimestampRange is returned for times before the Unix epoch or after 2262.
	ErrTimestampRange = errors.New("timestamp out of range")
)

var (
	minTime = time.Unix(0, 0)
	maxTime = time.Unix(0, math.MaxInt64)
)

// Parser converts JSON envelopes into models.Envelope values.
type Parser struct {
	SubjectPrefix string
	now           func() time.Time
}

// NewParser creates a parser. An empty prefix uses DefaultSubjectPrefix.
func NewParser(subjectPrefix string) *Parser {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Parser{SubjectPrefix: subjectPrefix, now: time.Now}
}

// Parse decodes and builds one envelope.
func (p *Parser) Parse(data []byte) (*models.Envelope, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Build(data, raw)
}

// Decode reads one JSON object. Numbers are kept as json.Number.
func Decode(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode envelope: not an object")
	}
	return raw, nil
}

// Build maps a decoded envelope onto models.Envelope. data must be the bytes
// raw was decoded from; structured payloads are captured from it verbatim.
//
// Accepted fields: event_id or header.id (UUID) or event_id_hi/event_id_lo,
// sequence, timestamp_ns or timestamp (integer ns or RFC3339), subject or header.subject, type or
// header.type, flags, correlation_id or meta.correlation_id,
// meta.security_level, source_agent or header.source_agent, signature, and
// one of payload_b64, payload (string or JSON value).
func (p *Parser) Build(data []byte, raw map[string]interface{}) (*models.Envelope, error) {
	env := &models.Envelope{Raw: raw}

	id, err := p.eventID(raw)
	if err != nil {
		return nil, err
	}
	env.EventID = id

	env.Sequence, _ = getUint(raw, "sequence", "header.sequence")
	if env.TimestampNs, err = p.timestamp(raw); err != nil {
		return nil, err
	}
	env.Type = getString(raw, "type", "header.type")
	env.Subject = getString(raw, "subject", "header.subject")
	if env.Subject == "" && env.Type != "" {
		env.Subject = p.SubjectPrefix + env.Type
	}
	if env.Subject == "" {
		return nil, ErrMissingSubject
	}
	env.CorrelationID = getString(raw, "correlation_id", "meta.correlation_id")
	env.SecurityLevel = getString(raw, "meta.security_level", "security_level")
	env.SourceAgent = getString(raw, "header.source_agent", "source_agent")
	env.Signature = getString(raw, "signature")

	if flags, ok := getUint(raw, "flags"); ok {
		if flags > 0xFFFF {
			return nil, fmt.Errorf("flags out of range: %d", flags)
		}
		env.Flags = uint16(flags)
	}

	payload, err := payloadBytes(data, raw)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	return env, nil
}

func (p *Parser) eventID(raw map[string]interface{}) (models.EventID, error) {
	if s := getString(raw, "event_id", "header.event_id", "header.id"); s != "" {
		return models.ParseEventID(s)
	}
	hi, okHi := getUint(raw, "event_id_hi")
	lo, okLo := getUint(raw, "event_id_lo")
	if okHi || okLo {
		return models.NewEventID(hi, lo), nil
	}
	return models.EventID{}, ErrMissingEventID
}

func (p *Parser) timestamp(raw map[string]interface{}) (uint64, error) {
	if ns, ok := getUint(raw, "timestamp_ns", "header.timestamp_ns", "timestamp", "header.timestamp"); ok {
		return ns, nil
	}
	if ts := getString(raw, "timestamp", "@timestamp", "header.timestamp"); ts != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, ts); err == nil {
				return unixNano(t)
			}
		}
	}
	return unixNano(p.now())
}

// unixNano rejects times a uint64 nanosecond count cannot represent.
func unixNano(t time.Time) (uint64, error) {
	if t.Before(minTime) || t.After(maxTime) {
		return 0, fmt.Errorf("%w: %s", ErrTimestampRange, t.Format(time.RFC3339Nano))
	}
	return uint64(t.UnixNano()), nil
}

func payloadBytes(data []byte, raw map[string]interface{}) ([]byte, error) {
	if s := getString(raw, "payload_b64"); s != "" {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode payload_b64: %w", err)
		}
		return b, nil
	}
	v, ok := raw["payload"]
	if !ok || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}

	// Structured payloads keep the producer's bytes: key order, spacing and
	// escapes are not normalized.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("capture payload: %w", err)
	}
	return []byte(fields["payload"]), nil
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				if s := strings.TrimSpace(val); s != "" {
					return s
				}
			case json.Number:
				return val.String()
			}
		}
	}
	return ""
}

func getUint(root map[string]interface{}, paths ...string) (uint64, bool) {
	for _, path := range paths {
		v, ok := getPath(root, path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case json.Number:
			if n, err := strconv.ParseUint(val.String(), 10, 64); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
