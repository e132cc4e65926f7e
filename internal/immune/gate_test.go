package immune

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/pkg/models"
)

const signedDoc = `{
	"header": {
		"id": "018f9e53-6908-7b5f-bf2c-3f4a56d3f900",
		"timestamp": 1700000000000000000,
		"source_agent": "%AGENT%",
		"type": "state.mutation",
		"version": "2.0.0"
	},
	"meta": {"security_level": "confidential", "correlation_id": "c1"},
	"payload": {"x": 1, "y": 2}
}`

func signEnvelope(t *testing.T, priv ed25519.PrivateKey, digestName string, doc string) (map[string]interface{}, *models.Envelope) {
	t.Helper()
	agent := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	raw := decode(t, strings.ReplaceAll(doc, "%AGENT%", agent))

	digest, err := NewDigest(digestName)
	require.NoError(t, err)
	c, err := Canonicalize(CanonicalInput(raw))
	require.NoError(t, err)
	sig := EncodeSignature(ed25519.Sign(priv, digest(c)))
	raw["signature"] = sig

	env := &models.Envelope{Type: "state.mutation", SecurityLevel: "confidential", SourceAgent: agent, Signature: sig}
	return raw, env
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}

func TestVerifySignature(t *testing.T) {
	priv := newKey(t)
	agent := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	digest := []byte("0123456789abcdef0123456789abcdef")
	sig := EncodeSignature(ed25519.Sign(priv, digest))

	assert.True(t, VerifySignature(agent, digest, sig))
	assert.True(t, VerifySignature(agent, digest, sig+"=="))
	assert.False(t, VerifySignature(agent, []byte("other"), sig))
	assert.False(t, VerifySignature("zz", digest, sig))
	assert.False(t, VerifySignature(agent, digest, "invalid"))
	assert.False(t, VerifySignature(agent[:10], digest, sig))
}

func TestGateVerifiesSignature(t *testing.T) {
	for _, digest := range []string{DigestSHA256, DigestBLAKE2b256} {
		g, err := NewGate(Config{Schema: true, RequireSignature: true, Digest: digest})
		require.NoError(t, err)

		raw, env := signEnvelope(t, newKey(t), digest, signedDoc)
		require.Nil(t, g.CheckSchema(raw), digest)
		c, rej := g.Verify(raw, env)
		require.Nil(t, rej, digest)
		assert.Contains(t, string(c), `"payload":{"x":1,"y":2}`)

		raw["payload"] = map[string]interface{}{"x": "tampered"}
		c, rej = g.Verify(raw, env)
		require.NotNil(t, rej)
		assert.Equal(t, ResultSignature, rej.Result)
		assert.Equal(t, "signature verification failed", rej.Reason)
		assert.Equal(t, c, rej.Canonical)
	}

	_, err := NewGate(Config{Digest: "md5"})
	assert.Error(t, err)
}

func TestGateRejectsNonCanonical(t *testing.T) {
	g, err := NewGate(Config{Canonicalize: true})
	require.NoError(t, err)

	_, rej := g.Verify(decode(t, `{"subject": "s", "payload": {"value": 1e999}}`), &models.Envelope{})
	require.NotNil(t, rej)
	assert.Equal(t, ResultCanonical, rej.Result)
	assert.Equal(t, "canonicalization failed: CANON_INVALID_NUMBER", rej.Reason)

	_, rej = g.Verify(decode(t, `{"subject": "s", "payload": {"\u00e9": 1, "e\u0301": 2}}`), &models.Envelope{})
	require.NotNil(t, rej)
	assert.Equal(t, "canonicalization failed: CANON_DUPLICATE_KEY_AFTER_NORMALIZATION (legacy: CANON_DUPLICATE_KEY_AFTER_NORMALIZE)", rej.Reason)
}

func TestGateSchema(t *testing.T) {
	g, err := NewGate(Config{Schema: true})
	require.NoError(t, err)

	assert.Nil(t, g.CheckSchema(decode(t, `{"event_id_lo": 1, "subject": "s", "flags": 3}`)))

	for name, doc := range map[string]string{
		"flags range":    `{"event_id_lo": 1, "subject": "s", "flags": 70000}`,
		"sequence type":  `{"event_id_lo": 1, "subject": "s", "sequence": "abc"}`,
		"no routing":     `{"event_id_lo": 1}`,
		"header no type": `{"header": {"id": "x"}, "payload": {}}`,
	} {
		rej := g.CheckSchema(decode(t, doc))
		require.NotNil(t, rej, name)
		assert.Equal(t, ResultSchema, rej.Result, name)
		assert.Contains(t, rej.Reason, "schema validation failed: ", name)
		assert.NotContains(t, rej.Reason, "\n", name)
	}

	var nilGate *Gate
	assert.Nil(t, nilGate.CheckSchema(decode(t, `{}`)))
	c, rej := nilGate.Verify(decode(t, `{}`), &models.Envelope{})
	assert.Nil(t, c)
	assert.Nil(t, rej)
}

func TestGateCustomSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "object", "required": ["tenant"]}`), 0o644))

	g, err := NewGate(Config{Schema: true, SchemaPath: path})
	require.NoError(t, err)
	assert.NotNil(t, g.CheckSchema(decode(t, `{"subject": "s"}`)))
	assert.Nil(t, g.CheckSchema(decode(t, `{"tenant": "t"}`)))

	_, err = NewGate(Config{Schema: true, SchemaPath: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleset.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allowed_subjects": ["tachyon.stream.state.mutation"], "blocked_types": ["debug.dump"], "required_security_level_for_types": {"state.mutation": "confidential"}}`), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "", p.Check("state.mutation", "confidential"))
	assert.Equal(t, "security level mismatch", p.Check("state.mutation", "public"))
	assert.Equal(t, "blocked event type", p.Check("debug.dump", ""))
	assert.Equal(t, "", p.Check("other", ""))

	g, err := NewGate(Config{Policy: p})
	require.NoError(t, err)
	rej := g.CheckPolicy(&models.Envelope{Type: "debug.dump"}, []byte("{}"))
	require.NotNil(t, rej)
	assert.Equal(t, ResultPolicy, rej.Result)
	assert.Equal(t, "ruleset validation failed: blocked event type", rej.Reason)
	assert.Equal(t, []byte("{}"), rej.Canonical)

	g, err = NewGate(Config{})
	require.NoError(t, err)
	assert.Nil(t, g.CheckPolicy(&models.Envelope{Type: "debug.dump"}, nil))

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
