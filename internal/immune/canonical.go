package immune

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Canonicalization failure codes.
const (
	CodeInvalidNumber      = "CANON_INVALID_NUMBER"
	CodeDuplicateKey       = "CANON_DUPLICATE_KEY_AFTER_NORMALIZATION"
	CodeForbiddenType      = "CANON_FORBIDDEN_TYPE"
	legacyCodeDuplicateKey = "CANON_DUPLICATE_KEY_AFTER_NORMALIZE"
)

// CanonicalError reports why a value has no canonical form.
type CanonicalError struct {
	Code    string
	Message string
}

func (e *CanonicalError) Error() string {
	return e.Code + ": " + e.Message
}

// LegacyCode maps a failure code to the name older producers report, or
// returns code unchanged when there is none.
func LegacyCode(code string) string {
	if code == CodeDuplicateKey {
		return legacyCodeDuplicateKey
	}
	return code
}

// ResolveCode maps a legacy failure code to its current name.
func ResolveCode(code string) string {
	if code == legacyCodeDuplicateKey {
		return CodeDuplicateKey
	}
	return code
}

// CanonicalInput selects the signed portion of a decoded envelope. Header
// envelopes sign {header, meta, payload}; flat envelopes sign every field
// except the signature itself.
func CanonicalInput(raw map[string]interface{}) map[string]interface{} {
	if header, ok := raw["header"]; ok {
		meta, ok := raw["meta"]
		if !ok {
			meta = map[string]interface{}{}
		}
		return map[string]interface{}{
			"header":  header,
			"meta":    meta,
			"payload": raw["payload"],
		}
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k != "signature" {
			out[k] = v
		}
	}
	return out
}

// Canonicalize encodes a value decoded with json.Decoder.UseNumber as
// canonical JSON: strings and keys NFC-normalized, keys sorted by UTF-8
// bytes, no insignificant whitespace, no HTML escaping, finite numbers only.
func Canonicalize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		writeString(buf, norm.NFC.String(val))
	case json.Number:
		s, err := canonicalNumber(val.String())
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case float64:
		s, err := canonicalFloat(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		normalized := make(map[string]interface{}, len(val))
		keys := make([]string, 0, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return &CanonicalError{Code: CodeDuplicateKey, Message: fmt.Sprintf("key %q collides after NFC", nk)}
			}
			normalized[nk] = elem
			keys = append(keys, nk)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &CanonicalError{Code: CodeForbiddenType, Message: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

func canonicalNumber(lit string) (string, error) {
	if !strings.ContainsAny(lit, ".eE") {
		if lit == "-0" {
			return "0", nil
		}
		return lit, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", &CanonicalError{Code: CodeInvalidNumber, Message: "non-finite number " + lit}
	}
	return canonicalFloat(f)
}

// canonicalFloat renders the shortest round-trip form: positional notation
// with a trailing ".0" for exponents in [-4, 16), exponent notation otherwise.
func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", &CanonicalError{Code: CodeInvalidNumber, Message: "non-finite number"}
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0", nil
		}
		return "0.0", nil
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp >= -4 && exp < 16 {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s, nil
	}
	return sci, nil
}

const hexDigits = "0123456789abcdef"

// writeString quotes s escaping only the quote, backslash and control characters.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xF])
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
