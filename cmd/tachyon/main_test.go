package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/config"
	"tachyon/pkg/models"
)

func TestApplyDefaults(t *testing.T) {
	var cfg config.Config
	cfg.Tachyon.Input.Redis.Addr = "redis:6379"
	applyDefaults(&cfg)

	tc := cfg.Tachyon
	assert.Equal(t, "tachyon:envelopes", tc.Input.Redis.Key)
	assert.Equal(t, 5*time.Second, tc.Input.Redis.BlockTimeout)
	assert.Equal(t, 4096, tc.Queue.CapacityHint)
	assert.Equal(t, 0, tc.Queue.MaxDepth)
	assert.Equal(t, "file", tc.Output.Mode)
	assert.Equal(t, "redis:6379", tc.Quarantine.Redis.Addr)
	assert.Equal(t, "tachyon:quarantine", tc.Quarantine.Redis.Key)
	assert.Empty(t, tc.Rules.Redis.Key)
	assert.Equal(t, "info", tc.Logging.Level)
	assert.Equal(t, "sha256", tc.Intake.Signature.Digest)
}

func TestBuildGate(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(policy, []byte("blocked_types:\n  - debug.dump\n"), 0o644))

	gate, err := buildGate(config.IntakeConfig{
		Schema:     config.SchemaConfig{Enabled: true},
		Signature:  config.SignatureConfig{Digest: "blake2b-256"},
		PolicyPath: policy,
	})
	require.NoError(t, err)
	rej := gate.CheckPolicy(&models.Envelope{Type: "debug.dump"}, nil)
	require.NotNil(t, rej)
	assert.Equal(t, "ruleset validation failed: blocked event type", rej.Reason)

	_, err = buildGate(config.IntakeConfig{Signature: config.SignatureConfig{Digest: "md5"}})
	assert.Error(t, err)
	_, err = buildGate(config.IntakeConfig{PolicyPath: filepath.Join(t.TempDir(), "missing.yml")})
	assert.Error(t, err)
}

func TestRunCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte("allowed_subjects:\n  - a\n  - b\n"), 0o644))

	assert.Equal(t, 0, runCheck([]string{"-rules", path, "a", "b"}))
	assert.Equal(t, 1, runCheck([]string{"-rules", path, "a", "c"}))
	assert.Equal(t, 2, runCheck([]string{"a"}))
	assert.Equal(t, 1, runCheck([]string{"-rules", filepath.Join(t.TempDir(), "missing.yml"), "a"}))
}

func TestFindConfigFileExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("tachyon: {}\n"), 0o644))
	assert.Equal(t, path, findConfigFile(path))
}
