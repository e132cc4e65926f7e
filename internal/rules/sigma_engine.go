package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"tachyon/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
}

// SigmaTagger marks envelopes whose fields match any loaded Sigma rule.
type SigmaTagger struct {
	rules []compiledSigmaRule
	flag  uint16
	ctx   context.Context
}

// NewSigmaTagger loads Sigma rules from a file or directory. Matching
// envelopes get models.FlagSigmaMatch. Rules for other products and rules
// needing aggregation or timeframes are skipped and counted in stats.
func NewSigmaTagger(path string) (*SigmaTagger, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isTachyonCompatible(rule) {
			stats.SkippedDatasource++
			continue
		}
		if !isSimpleSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{rule: rule, eval: sigmaevaluator.ForRule(rule)})
		stats.Loaded++
	}

	return &SigmaTagger{rules: compiled, flag: models.FlagSigmaMatch, ctx: context.Background()}, stats, nil
}

// Apply returns the match flag if any rule matches the envelope.
func (t *SigmaTagger) Apply(env *models.Envelope) uint16 {
	if t == nil || env == nil || len(t.rules) == 0 {
		return 0
	}

	event := sigmaEventFrom(env)
	for _, rule := range t.rules {
		res, err := rule.eval.Matches(t.ctx, event)
		if err != nil {
			continue
		}
		if res.Match {
			return t.flag
		}
	}
	return 0
}

// Len returns the number of compiled rules.
func (t *SigmaTagger) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isTachyonCompatible(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == "tachyon"
}

func isSimpleSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil || !isSimpleSearchExpression(cond.Search) {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

// sigmaEventFrom exposes the envelope header fields plus the top-level keys
// of a JSON object payload.
func sigmaEventFrom(env *models.Envelope) map[string]interface{} {
	buf := make(map[string]interface{}, 8)
	var payload map[string]interface{}
	if len(env.Payload) > 0 && env.Payload[0] == '{' {
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			for k, v := range payload {
				buf[k] = v
			}
		}
	}
	buf["subject"] = env.Subject
	buf["sequence"] = env.Sequence
	if env.Type != "" {
		buf["type"] = env.Type
	}
	if env.CorrelationID != "" {
		buf["correlation_id"] = env.CorrelationID
	}
	return buf
}
