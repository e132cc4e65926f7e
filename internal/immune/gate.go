// Package immune screens decoded envelopes before they reach the ruleset
// check: JSON schema, canonical form, Ed25519 signature and event-type policy.
// Every failed stage yields a Rejection whose reason is stored with the
// quarantined envelope.
package immune

import (
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"tachyon/pkg/models"
)

// Rejection results, used as metric labels.
const (
	ResultSchema    = "schema"
	ResultCanonical = "canonical"
	ResultSignature = "signature"
	ResultPolicy    = "policy"
)

// Rejection describes why an envelope failed a stage.
type Rejection struct {
	Result    string
	Reason    string
	Canonical []byte
}

// Config selects the enabled stages.
type Config struct {
	Schema     bool
	SchemaPath string // empty uses the built-in envelope schema

	// Canonicalize rejects envelopes without a canonical form. Implied by
	// RequireSignature.
	Canonicalize     bool
	RequireSignature bool
	Digest           string

	Policy *Policy
}

// Gate runs the enabled stages. It is immutable and safe for concurrent use.
type Gate struct {
	schema       *jsonschema.Schema
	canonicalize bool
	requireSig   bool
	digest       DigestFunc
	policy       *Policy
}

// NewGate compiles the schema and resolves the digest.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{
		canonicalize: cfg.Canonicalize || cfg.RequireSignature,
		requireSig:   cfg.RequireSignature,
		policy:       cfg.Policy,
	}
	if cfg.Schema {
		sch, err := CompileSchema(cfg.SchemaPath)
		if err != nil {
			return nil, err
		}
		g.schema = sch
	}
	digest, err := NewDigest(cfg.Digest)
	if err != nil {
		return nil, err
	}
	g.digest = digest
	return g, nil
}

// CheckSchema validates the decoded document.
func (g *Gate) CheckSchema(raw map[string]interface{}) *Rejection {
	if g == nil || g.schema == nil {
		return nil
	}
	if err := g.schema.Validate(raw); err != nil {
		return &Rejection{Result: ResultSchema, Reason: "schema validation failed: " + schemaMessage(err)}
	}
	return nil
}

// Verify canonicalizes the signed portion of raw and checks env's signature
// over its digest. The canonical bytes are returned for quarantine records.
func (g *Gate) Verify(raw map[string]interface{}, env *models.Envelope) ([]byte, *Rejection) {
	if g == nil || !g.canonicalize {
		return nil, nil
	}
	canonical, err := Canonicalize(CanonicalInput(raw))
	if err != nil {
		return nil, &Rejection{Result: ResultCanonical, Reason: canonicalReason(err)}
	}
	if !g.requireSig {
		return canonical, nil
	}
	if !VerifySignature(env.SourceAgent, g.digest(canonical), env.Signature) {
		return canonical, &Rejection{Result: ResultSignature, Reason: "signature verification failed", Canonical: canonical}
	}
	return canonical, nil
}

// CheckPolicy applies the event-type policy.
func (g *Gate) CheckPolicy(env *models.Envelope, canonical []byte) *Rejection {
	if g == nil {
		return nil
	}
	if reason := g.policy.Check(env.Type, env.SecurityLevel); reason != "" {
		return &Rejection{Result: ResultPolicy, Reason: "ruleset validation failed: " + reason, Canonical: canonical}
	}
	return nil
}

func canonicalReason(err error) string {
	var ce *CanonicalError
	if !errors.As(err, &ce) {
		return fmt.Sprintf("canonicalization failed: %v", err)
	}
	if legacy := LegacyCode(ce.Code); legacy != ce.Code {
		return fmt.Sprintf("canonicalization failed: %s (legacy: %s)", ce.Code, legacy)
	}
	return "canonicalization failed: " + ce.Code
}
