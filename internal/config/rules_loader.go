package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/ursagate/internal/expr"
	"github.com/l0p7/ursagate/internal/rules"
	"github.com/l0p7/ursagate/internal/templates"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged rule definitions after loading every
// configured source. The metadata explains what was loaded and why certain
// definitions were skipped.
type RuleBundle struct {
	Definitions []rules.Definition
	Sources     []string
	Skipped     []DefinitionSkip
}

type ruleDocument struct {
	Rules map[string]RuleConfig `koanf:"rules"`
}

type ruleAggregator struct {
	rules       map[string]RuleConfig
	ruleSources map[string]string
	ruleSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		rules:       make(map[string]RuleConfig),
		ruleSources: make(map[string]string),
		ruleSkips:   make(map[string]*DefinitionSkip),
		sources:     make(map[string]struct{}),
	}
}

func (a *ruleAggregator) addDocument(doc ruleDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Rules {
		a.addRule(name, cfg, source)
	}
}

func (a *ruleAggregator) addRule(name string, cfg RuleConfig, source string) {
	if existing, ok := a.ruleSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.ruleSources[name]; ok {
		a.recordRuleSkip(name, "duplicate definition", prev, source)
		delete(a.ruleSources, name)
		delete(a.rules, name)
		return
	}
	a.ruleSources[name] = source
	a.rules[name] = cfg
}

func (a *ruleAggregator) recordRuleSkip(name, reason string, sources ...string) {
	if skip, ok := a.ruleSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.ruleSkips[name] = skip
}

// compileDefinitions converts every surviving rule into a validated definition.
// Rules that fail to compile are quarantined rather than aborting the load, so
// one broken document cannot take down every other route.
func (a *ruleAggregator) compileDefinitions(env *expr.Environment, renderer *templates.Renderer, defaultTTL time.Duration) []rules.Definition {
	names := slices.Sorted(maps.Keys(a.rules))
	definitions := make([]rules.Definition, 0, len(names))
	for _, name := range names {
		cfg := a.rules[name]
		def, err := definitionFromRuleConfig(name, cfg, defaultTTL)
		if err == nil {
			_, err = rules.NewTable([]rules.Definition{def}, env, renderer)
		}
		if err != nil {
			source := a.ruleSources[name]
			a.recordRuleSkip(name, fmt.Sprintf("invalid rule: %v", err), source)
			delete(a.ruleSources, name)
			delete(a.rules, name)
			continue
		}
		definitions = append(definitions, def)
	}
	return definitions
}

func definitionFromRuleConfig(name string, cfg RuleConfig, defaultTTL time.Duration) (rules.Definition, error) {
	ttl := defaultTTL
	if trimmed := strings.TrimSpace(cfg.TTL); trimmed != "" {
		parsed, err := time.ParseDuration(trimmed)
		if err != nil {
			return rules.Definition{}, fmt.Errorf("ttl %q: %w", cfg.TTL, err)
		}
		if parsed <= 0 {
			return rules.Definition{}, fmt.Errorf("ttl %q must be positive", cfg.TTL)
		}
		ttl = parsed
	}
	return rules.Definition{
		Name:             name,
		UpstreamTemplate: cfg.Upstream,
		QueryArguments:   cfg.QueryArguments,
		TTL:              ttl,
		Filter:           cfg.Filter,
		Anonymous:        cfg.Anonymous,
		Normalize:        cfg.Normalize,
	}, nil
}

func (a *ruleAggregator) bundle() RuleBundle {
	sources := slices.Sorted(maps.Keys(a.sources))

	skipped := make([]DefinitionSkip, 0, len(a.ruleSkips))
	for _, name := range slices.Sorted(maps.Keys(a.ruleSkips)) {
		skipped = append(skipped, *a.ruleSkips[name])
	}

	return RuleBundle{
		Sources: sources,
		Skipped: skipped,
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildRuleBundle(ctx context.Context, inlineRules map[string]RuleConfig, serverCfg ServerConfig) (RuleBundle, error) {
	agg := newRuleAggregator()
	if len(inlineRules) > 0 {
		agg.addDocument(ruleDocument{Rules: inlineRules}, inlineSourceName)
	}

	files, err := collectRuleSources(ctx, serverCfg.Rules)
	if err != nil {
		return RuleBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(path)
		if err != nil {
			return RuleBundle{}, err
		}
		agg.addDocument(doc, path)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	defaultTTL := time.Duration(serverCfg.Store.TTLSeconds) * time.Second
	definitions := agg.compileDefinitions(env, templates.NewRenderer(), defaultTTL)
	bundle := agg.bundle()
	bundle.Definitions = definitions
	return bundle, nil
}

func collectRuleSources(ctx context.Context, rulesCfg RulesConfig) ([]string, error) {
	if rulesCfg.RulesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(rulesCfg.RulesFile); err != nil {
			return nil, err
		}
		return []string{rulesCfg.RulesFile}, nil
	}
	if rulesCfg.RulesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(rulesCfg.RulesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: rules folder %s: %w", rulesCfg.RulesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: rules folder %s is not a directory", rulesCfg.RulesFolder)
	}
	var files []string
	err = filepath.WalkDir(rulesCfg.RulesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRulesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk rules folder %s: %w", rulesCfg.RulesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rules file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	if doc.Rules == nil {
		doc.Rules = make(map[string]RuleConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file extension %s", ext)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRuleMap(in map[string]RuleConfig) map[string]RuleConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
