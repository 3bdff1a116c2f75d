package policy

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Violation records an enforcement decision that denied an operation, for
// the component's audit trail.
type Violation struct {
	Class     string    `json:"class"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer is the concrete implementation of the enforcement interface
// described in spec §4.D: may_open_path, may_connect, may_read_env,
// memory_ceiling_bytes. A nil *Document enforced through Enforcer denies
// every class (deny-all), matching "absence of a policy means deny-all".
type Enforcer struct {
	mu         sync.RWMutex
	doc        *Document
	violations []Violation
	clock      func() time.Time
}

// NewEnforcer wraps doc (which may be nil) in an Enforcer.
func NewEnforcer(doc *Document) *Enforcer {
	return &Enforcer{doc: doc, clock: time.Now}
}

// Replace atomically swaps the enforced document, used by grant/revoke.
func (e *Enforcer) Replace(doc *Document) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
}

func (e *Enforcer) record(class, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violations = append(e.violations, Violation{Class: class, Detail: detail, Timestamp: e.clock()})
}

// Violations returns a copy of the recorded denial audit trail.
func (e *Enforcer) Violations() []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Violation, len(e.violations))
	copy(out, e.violations)
	return out
}

func (e *Enforcer) document() *Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc
}

// MayOpenPath reports whether path may be opened in the given mode.
// Deny wins; absence of a storage permission denies everything.
func (e *Enforcer) MayOpenPath(path string, write bool) bool {
	doc := e.document()
	clean := filepath.Clean(path)
	want := AccessRead
	if write {
		want = AccessWrite
	}

	if doc == nil || doc.Permissions.Storage == nil {
		e.record("StorageDenied", clean)
		return false
	}
	sp := doc.Permissions.Storage

	for _, entry := range sp.Deny {
		if storageMatches(entry, clean, want) {
			e.record("StorageDenied", clean)
			return false
		}
	}
	for _, entry := range sp.Allow {
		if storageMatches(entry, clean, want) {
			return true
		}
	}
	e.record("StorageDenied", clean)
	return false
}

func storageMatches(entry StorageEntry, cleanPath string, want Access) bool {
	entryPath := strings.TrimPrefix(entry.URI, "fs://")
	if !strings.HasPrefix(cleanPath, entryPath) {
		return false
	}
	for _, a := range entry.Access {
		if a == want {
			return true
		}
	}
	return false
}

// MayConnect reports whether host may be dialed. Deny wins; absence of a
// network permission denies everything.
func (e *Enforcer) MayConnect(host string) bool {
	doc := e.document()
	if doc == nil || doc.Permissions.Network == nil {
		e.record("NetworkDenied", host)
		return false
	}
	np := doc.Permissions.Network

	for _, d := range np.Deny {
		if MatchesHost(d.Host, host) {
			e.record("NetworkDenied", host)
			return false
		}
	}
	for _, a := range np.Allow {
		if MatchesHost(a.Host, host) {
			return true
		}
	}
	e.record("NetworkDenied", host)
	return false
}

// MayReadEnv reports whether key may be projected into the sandbox
// environment. Absence of an environment permission denies everything.
func (e *Enforcer) MayReadEnv(key string) bool {
	doc := e.document()
	if doc == nil || doc.Permissions.Environment == nil {
		e.record("EnvironmentDenied", key)
		return false
	}
	for _, k := range doc.Permissions.Environment.Allow {
		if k.Key == key {
			return true
		}
	}
	e.record("EnvironmentDenied", key)
	return false
}

// Mount is a single directory grant suitable for preopening into a sandbox,
// derived from the policy's storage allow list.
type Mount struct {
	Path  string
	Write bool
}

// StorageMounts returns one Mount per allowed storage entry, collapsing an
// entry's access set to a single read/write flag. Deny entries are not
// projected into the sandbox at all (no mount, no access), which is a
// coarser approximation than per-path deny-wins but matches the engine's
// preopen-by-directory model.
func (e *Enforcer) StorageMounts() []Mount {
	doc := e.document()
	if doc == nil || doc.Permissions.Storage == nil {
		return nil
	}
	mounts := make([]Mount, 0, len(doc.Permissions.Storage.Allow))
	for _, entry := range doc.Permissions.Storage.Allow {
		denied := false
		for _, d := range doc.Permissions.Storage.Deny {
			if strings.TrimPrefix(d.URI, "fs://") == strings.TrimPrefix(entry.URI, "fs://") {
				denied = true
				break
			}
		}
		if denied {
			continue
		}
		write := false
		for _, a := range entry.Access {
			if a == AccessWrite {
				write = true
			}
		}
		mounts = append(mounts, Mount{Path: strings.TrimPrefix(entry.URI, "fs://"), Write: write})
	}
	return mounts
}

// MemoryCeilingBytes returns the policy-declared memory ceiling, or ok=false
// if unset.
func (e *Enforcer) MemoryCeilingBytes() (uint64, bool) {
	doc := e.document()
	if doc == nil || doc.Permissions.Resources == nil || doc.Permissions.Resources.MemoryBytes == nil {
		return 0, false
	}
	return *doc.Permissions.Resources.MemoryBytes, true
}

// CPUTimeCeilingMs returns the policy-declared CPU time ceiling, or
// ok=false if unset.
func (e *Enforcer) CPUTimeCeilingMs() (uint64, bool) {
	doc := e.document()
	if doc == nil || doc.Permissions.Resources == nil || doc.Permissions.Resources.CPUTimeMs == nil {
		return 0, false
	}
	return *doc.Permissions.Resources.CPUTimeMs, true
}
