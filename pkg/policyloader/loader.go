// Package policyloader loads declarative tool-call block rules from JSON
// bundle files and compiles each rule's CEL expression into a cached
// program, so a rule bundle can be edited and reloaded without a code
// deployment.
//
// The bundle/rule shape and the compile-once-cache-by-expression pattern
// are generalized from this codebase's own CEL policy evaluator, narrowed
// from a predicate domain of module manifests to one of tool_name +
// arguments: a rule here answers "should this tool call be blocked", not
// "should this module be allowed to activate".
package policyloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// PolicyRule is a single CEL tool-call predicate. Expression is evaluated
// against a `{tool_name: string, arguments: map}` activation and must
// produce a bool; a true result triggers Action.
type PolicyRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"` // "BLOCK", "WARN", "LOG"
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

// PolicyBundle is a versioned collection of rules loaded from one file.
type PolicyBundle struct {
	Version   string       `json:"version"`
	Name      string       `json:"name"`
	Rules     []PolicyRule `json:"rules"`
	CreatedAt time.Time    `json:"created_at"`
	Hash      string       `json:"hash,omitempty"`
}

// Loader loads and manages policy bundles from a directory, compiling every
// enabled rule's expression against a shared CEL environment as it loads.
type Loader struct {
	mu        sync.RWMutex
	bundles   map[string]*PolicyBundle
	programs  map[string]cel.Program // expression -> compiled program
	bundleDir string
	env       *cel.Env
	onReload  func(bundle *PolicyBundle)
}

// NewLoader creates a policy bundle loader for the given directory. The
// directory is not watched; bundles are read only by LoadFile and LoadAll.
func NewLoader(bundleDir string) (*Loader, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("arguments", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policyloader: create CEL environment: %w", err)
	}
	return &Loader{
		bundles:   make(map[string]*PolicyBundle),
		programs:  make(map[string]cel.Program),
		bundleDir: bundleDir,
		env:       env,
	}, nil
}

// OnReload registers a callback invoked when a bundle is loaded or reloaded.
func (l *Loader) OnReload(fn func(bundle *PolicyBundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every .json bundle file from the configured directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("policyloader: read dir %s: %w", l.bundleDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(l.bundleDir, entry.Name())
		if err := l.LoadFile(path); err != nil {
			return fmt.Errorf("policyloader: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads a single policy bundle from a JSON file and compiles each
// enabled rule's expression. A rule that fails to compile fails the whole
// load: a bundle with a broken rule must not replace a working one.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}

	compiled := make(map[string]cel.Program, len(bundle.Rules))
	for _, r := range bundle.Rules {
		if !r.Enabled {
			continue
		}
		prg, err := l.compile(r.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		compiled[r.Expression] = prg
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = &bundle
	for expr, prg := range compiled {
		l.programs[expr] = prg
	}
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(&bundle)
	}
	return nil
}

func (l *Loader) compile(expr string) (cel.Program, error) {
	ast, issues := l.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := l.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// GetBundle returns a loaded bundle by name.
func (l *Loader) GetBundle(name string) (*PolicyBundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// AllBundles returns all loaded bundles.
func (l *Loader) AllBundles() []*PolicyBundle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*PolicyBundle, 0, len(l.bundles))
	for _, b := range l.bundles {
		result = append(result, b)
	}
	return result
}

// ActiveRules returns all enabled rules across all bundles, highest
// priority first.
func (l *Loader) ActiveRules() []PolicyRule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rules []PolicyRule
	for _, b := range l.bundles {
		for _, r := range b.Rules {
			if r.Enabled {
				rules = append(rules, r)
			}
		}
	}
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if rules[j].Priority > rules[i].Priority {
				rules[i], rules[j] = rules[j], rules[i]
			}
		}
	}
	return rules
}

// Evaluate runs every active rule against one tool call in priority order
// and returns the first rule whose expression evaluates true and whose
// Action is "BLOCK". Rules with any other action (WARN, LOG) are evaluated
// too, so a caller that wants their side effects can inspect matched via a
// custom walk of ActiveRules, but Evaluate itself only reports the
// blocking verdict: that is the only action a CEL hook can enforce inline.
func (l *Loader) Evaluate(toolName string, arguments map[string]any) (blocked bool, rule PolicyRule, err error) {
	activation := map[string]any{
		"tool_name": toolName,
		"arguments": arguments,
	}
	for _, r := range l.ActiveRules() {
		l.mu.RLock()
		prg, ok := l.programs[r.Expression]
		l.mu.RUnlock()
		if !ok {
			continue
		}
		out, _, evalErr := prg.Eval(activation)
		if evalErr != nil {
			return false, PolicyRule{}, fmt.Errorf("policyloader: evaluate rule %s: %w", r.ID, evalErr)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return false, PolicyRule{}, fmt.Errorf("policyloader: rule %s did not evaluate to bool", r.ID)
		}
		if matched && r.Action == "BLOCK" {
			return true, r, nil
		}
	}
	return false, PolicyRule{}, nil
}
