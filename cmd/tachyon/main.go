package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tachyon/config"
	"tachyon/internal/core"
	"tachyon/internal/rules"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("tachyon.yml"); err == nil {
		return "tachyon.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "tachyon.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "tachyon.yml"
}

func applyDefaults(cfg *config.Config) {
	t := &cfg.Tachyon
	if t.Input.Redis.Addr == "" {
		t.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if t.Input.Redis.Key == "" {
		t.Input.Redis.Key = "tachyon:envelopes"
	}
	if t.Input.Redis.BlockTimeout == 0 {
		t.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if t.Queue.CapacityHint <= 0 {
		t.Queue.CapacityHint = 4096
	}

	if t.Rules.ReloadInterval <= 0 {
		t.Rules.ReloadInterval = 30 * time.Second
	}
	if t.Rules.Redis.Addr != "" && t.Rules.Redis.Key == "" {
		t.Rules.Redis.Key = "tachyon:rules:allowed_subjects"
	}

	if t.Pipeline.Workers <= 0 {
		t.Pipeline.Workers = 8
	}
	if t.Pipeline.ReadBatch <= 0 {
		t.Pipeline.ReadBatch = 256
	}
	if t.Pipeline.DrainInterval <= 0 {
		t.Pipeline.DrainInterval = 500 * time.Millisecond
	}
	if t.Pipeline.DrainBatch <= 0 {
		t.Pipeline.DrainBatch = 4096
	}

	if t.Intake.Signature.Digest == "" {
		t.Intake.Signature.Digest = "sha256"
	}

	if t.Output.Mode == "" {
		t.Output.Mode = "file"
	}
	if t.Output.File.Path == "" {
		t.Output.File.Path = "output/packets.jsonl"
	}
	if t.Output.ClickHouse.Database == "" {
		t.Output.ClickHouse.Database = "tachyon"
	}
	if t.Output.ClickHouse.Table == "" {
		t.Output.ClickHouse.Table = "packets"
	}

	if t.Quarantine.Redis.Addr == "" {
		t.Quarantine.Redis.Addr = t.Input.Redis.Addr
		t.Quarantine.Redis.Password = t.Input.Redis.Password
		t.Quarantine.Redis.DB = t.Input.Redis.DB
	}
	if t.Quarantine.Redis.Key == "" {
		t.Quarantine.Redis.Key = "tachyon:quarantine"
	}
	if t.Quarantine.Redis.MaxLen == 0 {
		t.Quarantine.Redis.MaxLen = 100000
	}

	if t.Metrics.Addr == "" {
		t.Metrics.Addr = ":9464"
	}

	if t.Logging.Level == "" {
		t.Logging.Level = "info"
	}
}

// runCheck evaluates subjects against a ruleset file. It exits non-zero when
// any subject is denied.
func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	rulesFile := fs.String("rules", "", "Ruleset YAML/JSON file with allowed_subjects")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*rulesFile) == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: tachyon check -rules FILE SUBJECT...")
		return 2
	}

	subjects, err := rules.LoadFile(*rulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load ruleset: %v\n", err)
		return 1
	}

	c := core.NewDefault()
	c.ReplaceRuleset(subjects)

	code := 0
	for _, subject := range fs.Args() {
		verdict := "allowed"
		if !c.QueryRule(subject) {
			verdict = "denied"
			code = 1
		}
		fmt.Printf("%s\t%s\n", verdict, subject)
	}
	return code
}

// runRules handles ruleset administration. Only "push" is supported: it
// replaces the Redis subject set with the contents of a ruleset file.
func runRules(args []string) int {
	if len(args) == 0 || args[0] != "push" {
		fmt.Fprintln(os.Stderr, "usage: tachyon rules push -file FILE [-redis ADDR] [-key KEY]")
		return 2
	}

	fs := flag.NewFlagSet("rules push", flag.ContinueOnError)
	rulesFile := fs.String("file", "", "Ruleset YAML/JSON file with allowed_subjects")
	addr := fs.String("redis", "127.0.0.1:6379", "Redis address")
	password := fs.String("password", "", "Redis password")
	db := fs.Int("db", 0, "Redis database")
	key := fs.String("key", "tachyon:rules:allowed_subjects", "Redis set holding allowed subjects")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if strings.TrimSpace(*rulesFile) == "" {
		fmt.Fprintln(os.Stderr, "rules push: -file is required")
		return 2
	}

	subjects, err := rules.LoadFile(*rulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load ruleset: %v\n", err)
		return 1
	}

	src, err := rules.NewRedisSource(rules.RedisConfig{Addr: *addr, Password: *password, DB: *db, Key: *key})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		return 1
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := src.Publish(ctx, subjects); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish ruleset: %v\n", err)
		return 1
	}

	fmt.Printf("published subjects=%d key=%s\n", len(subjects), *key)
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "check":
			os.Exit(runCheck(os.Args[2:]))
		case "rules":
			os.Exit(runRules(os.Args[2:]))
		default:
			// First arg is config path.
			runServe(os.Args[1:])
			return
		}
	}

	runServe(nil)
}
