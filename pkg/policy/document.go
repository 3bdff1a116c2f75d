// Package policy implements the capability policy document described in the
// host's component model: a declarative permission AST covering network,
// storage, environment and resource classes, its YAML wire form, and the
// enforcement interface consumed by the invocation engine.
//
// The enforcement shape (allow/deny lists, deny wins, audited violations) is
// modeled on the sandbox policy enforcer pattern used elsewhere in this
// codebase, generalized to the four permission classes and to left-most-label
// wildcard host matching.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Document is the PolicyDocument described in the data model: a capability
// document attached to a component.
type Document struct {
	Version     string      `yaml:"version" json:"version"`
	Description string      `yaml:"description" json:"description"`
	Permissions Permissions `yaml:"permissions" json:"permissions"`
}

type Permissions struct {
	Network     *NetworkPermission     `yaml:"network,omitempty" json:"network,omitempty"`
	Storage     *StoragePermission     `yaml:"storage,omitempty" json:"storage,omitempty"`
	Environment *EnvironmentPermission `yaml:"environment,omitempty" json:"environment,omitempty"`
	Resources   *ResourceLimit         `yaml:"resources,omitempty" json:"resources,omitempty"`
}

type NetworkHost struct {
	Host string `yaml:"host" json:"host"`
}

type NetworkPermission struct {
	Allow []NetworkHost `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []NetworkHost `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Access is a filesystem access mode granted by a StorageEntry.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

type StorageEntry struct {
	URI    string   `yaml:"uri" json:"uri"`
	Access []Access `yaml:"access" json:"access"`
}

type StoragePermission struct {
	Allow []StorageEntry `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []StorageEntry `yaml:"deny,omitempty" json:"deny,omitempty"`
}

type EnvKey struct {
	Key string `yaml:"key" json:"key"`
}

type EnvironmentPermission struct {
	Allow []EnvKey `yaml:"allow,omitempty" json:"allow,omitempty"`
}

type ResourceLimit struct {
	MemoryBytes *uint64 `yaml:"memory_bytes,omitempty" json:"memory_bytes,omitempty"`
	CPUTimeMs   *uint64 `yaml:"cpu_time_ms,omitempty" json:"cpu_time_ms,omitempty"`
}

// Validate checks the structural invariants named in spec §4.D: wildcard
// hosts only match left-most label, storage URIs start with fs:// and are
// absolute, storage access sets are non-empty, environment keys are unique
// and non-empty.
func (d Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("policy: version is required")
	}
	if d.Permissions.Storage != nil {
		for _, group := range [][]StorageEntry{d.Permissions.Storage.Allow, d.Permissions.Storage.Deny} {
			for _, e := range group {
				if err := validateStorageEntry(e); err != nil {
					return err
				}
			}
		}
	}
	if d.Permissions.Environment != nil {
		seen := make(map[string]bool, len(d.Permissions.Environment.Allow))
		for _, k := range d.Permissions.Environment.Allow {
			if k.Key == "" {
				return fmt.Errorf("policy: environment key must not be empty")
			}
			if seen[k.Key] {
				return fmt.Errorf("policy: duplicate environment key %q", k.Key)
			}
			seen[k.Key] = true
		}
	}
	return nil
}

func validateStorageEntry(e StorageEntry) error {
	const prefix = "fs://"
	if !strings.HasPrefix(e.URI, prefix) {
		return fmt.Errorf("policy: storage uri %q must start with %q", e.URI, prefix)
	}
	p := strings.TrimPrefix(e.URI, prefix)
	if !filepath.IsAbs(p) {
		return fmt.Errorf("policy: storage uri %q must denote an absolute path", e.URI)
	}
	if len(e.Access) == 0 {
		return fmt.Errorf("policy: storage uri %q must grant at least one access mode", e.URI)
	}
	return nil
}

// MatchesHost implements the left-most-label wildcard rule: "*.a.b" matches
// "x.a.b" but not "a.b" nor "y.x.a.b".
func MatchesHost(pattern, host string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:] // ".a.b"
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	prefixPart := strings.TrimSuffix(host, suffix)
	return prefixPart != "" && !strings.Contains(prefixPart, ".")
}
