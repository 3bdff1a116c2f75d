// Package storage implements the on-disk component layout described in
// spec §4.C and §6: the artifact quartet ({id}.wasm, {id}.precompiled,
// {id}.policy.yaml, {id}.meta.json) under a root directory, installed and
// removed atomically via write-then-rename, with validation stamps used to
// detect stale precompiled artifacts.
//
// The write-then-rename idiom is grounded on this codebase's existing
// content-addressed blob stores; generalized here from a hash-keyed single
// blob to an id-keyed quartet of related files.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// Stamp is the ValidationStamp described in spec §3: {file_size,
// mtime_unix_secs, optional_sha256}.
type Stamp struct {
	FileSize     int64  `json:"file_size"`
	MtimeUnix    int64  `json:"mtime_unix_secs"`
	SHA256       string `json:"sha256,omitempty"`
}

// ToolSchema mirrors spec §3's ToolSchema.
type ToolSchema struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Metadata is the persisted ComponentMetadata described in spec §3.
type Metadata struct {
	ComponentID      string       `json:"component_id"`
	SourceReference  string       `json:"source_reference"`
	EngineVersion    string       `json:"engine_version"`
	WasmStamp        Stamp        `json:"wasm_stamp"`
	PrecompiledStamp *Stamp       `json:"precompiled_stamp,omitempty"`
	ToolSchemas      []ToolSchema `json:"tool_schemas"`
	LoadedAtUnix     int64        `json:"loaded_at"`
}

// Store owns the {root} directory layout: downloads scratch dir plus the
// per-id artifact quartet.
type Store struct {
	root string
	mu   sync.Mutex // serializes quartet writes; per-id ordering is enforced by the registry's write lock
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "downloads"), 0o755); err != nil {
		return nil, wasmerr.StorageIo(root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) wasmPath(id string) string       { return filepath.Join(s.root, id+".wasm") }
func (s *Store) precompiledPath(id string) string { return filepath.Join(s.root, id+".precompiled") }
func (s *Store) policyPath(id string) string      { return filepath.Join(s.root, id+".policy.yaml") }
func (s *Store) metaPath(id string) string        { return filepath.Join(s.root, id+".meta.json") }

// DownloadDir returns the scratch directory used by the loader before
// Storage commits a quartet.
func (s *Store) DownloadDir() string { return filepath.Join(s.root, "downloads") }

// writeThenRename writes data to a temp file in the target's directory,
// fsyncs it, then atomically renames it into place.
func writeThenRename(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// InstallWasmAndPolicy performs steps 1-3 of the install algorithm in spec
// §4.C: remove any prior quartet, write {id}.wasm, and (if present) write
// {id}.policy.yaml, both via write-then-rename. Metadata and precompiled
// artifacts are written later by the registry once compilation succeeds.
func (s *Store) InstallWasmAndPolicy(ctx context.Context, id string, wasmBytes []byte, policyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeQuartetLocked(id); err != nil {
		return err
	}

	if err := writeThenRename(s.wasmPath(id), wasmBytes); err != nil {
		return wasmerr.StorageIo(s.wasmPath(id), err)
	}

	if policyBytes != nil {
		if err := writeThenRename(s.policyPath(id), policyBytes); err != nil {
			return wasmerr.StorageIo(s.policyPath(id), err)
		}
	}
	return nil
}

// WritePrecompiled persists the engine-specific precompiled form as
// {id}.precompiled via write-then-rename. It records no stamp:
// Metadata.PrecompiledStamp is not touched by this call.
func (s *Store) WritePrecompiled(ctx context.Context, id string, precompiled []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeThenRename(s.precompiledPath(id), precompiled); err != nil {
		return wasmerr.StorageIo(s.precompiledPath(id), err)
	}
	return nil
}

// WritePolicy persists data as {id}.policy.yaml via write-then-rename,
// replacing any sidecar installed alongside the original artifact. Used by
// the registry's attach_policy/grant/revoke operations, which must durably
// persist a policy mutation before it is reflected in the live Enforcer.
func (s *Store) WritePolicy(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeThenRename(s.policyPath(id), data); err != nil {
		return wasmerr.StorageIo(s.policyPath(id), err)
	}
	return nil
}

// WriteMetadata persists ComponentMetadata as {id}.meta.json.
func (s *Store) WriteMetadata(ctx context.Context, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return wasmerr.StorageIo(s.metaPath(meta.ComponentID), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeThenRename(s.metaPath(meta.ComponentID), data); err != nil {
		return wasmerr.StorageIo(s.metaPath(meta.ComponentID), err)
	}
	return nil
}

// ReadMetadata reads a previously-persisted ComponentMetadata, if any.
func (s *Store) ReadMetadata(id string) (Metadata, bool, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, wasmerr.StorageIo(s.metaPath(id), err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false, wasmerr.StorageIo(s.metaPath(id), err)
	}
	return meta, true, nil
}

// ReadWasm reads {id}.wasm.
func (s *Store) ReadWasm(id string) ([]byte, error) {
	data, err := os.ReadFile(s.wasmPath(id))
	if err != nil {
		return nil, wasmerr.StorageIo(s.wasmPath(id), err)
	}
	return data, nil
}

// ReadPolicy reads {id}.policy.yaml, returning ok=false if absent (policy is
// optional per spec §3).
func (s *Store) ReadPolicy(id string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.policyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, wasmerr.StorageIo(s.policyPath(id), err)
	}
	return data, true, nil
}

// ReadPrecompiled reads {id}.precompiled, returning ok=false if absent.
func (s *Store) ReadPrecompiled(id string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.precompiledPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, wasmerr.StorageIo(s.precompiledPath(id), err)
	}
	return data, true, nil
}

// Exists reports whether a wasm artifact is present for id (the root of the
// atomicity invariant: (1) must exist whenever any of (2)(3)(4) exists).
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.wasmPath(id))
	return err == nil
}

// Remove deletes the quartet for id in the dependency order named by spec
// §4.C: (4, 2, 3, 1) — meta, precompiled, policy, then wasm. Missing files
// are not errors.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeQuartetLocked(id)
}

func (s *Store) removeQuartetLocked(id string) error {
	for _, p := range []string{s.metaPath(id), s.precompiledPath(id), s.policyPath(id), s.wasmPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return wasmerr.StorageIo(p, err)
		}
	}
	return nil
}

// ComputeStamp computes the current ValidationStamp for path, optionally
// including its SHA-256 (expensive; only done for startup revalidation).
func ComputeStamp(path string, withHash bool) (Stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stamp{}, err
	}
	stamp := Stamp{FileSize: info.Size(), MtimeUnix: info.ModTime().Unix()}
	if withHash {
		data, err := os.ReadFile(path)
		if err != nil {
			return Stamp{}, err
		}
		sum := sha256.Sum256(data)
		stamp.SHA256 = hex.EncodeToString(sum[:])
	}
	return stamp, nil
}

// ValidateStamp reports whether stamp still describes the file at path. If
// stamp carries a hash, the file is re-hashed; otherwise size+mtime suffice.
func ValidateStamp(path string, stamp Stamp) bool {
	current, err := ComputeStamp(path, stamp.SHA256 != "")
	if err != nil {
		return false
	}
	if current.FileSize != stamp.FileSize || current.MtimeUnix != stamp.MtimeUnix {
		return false
	}
	if stamp.SHA256 != "" && current.SHA256 != stamp.SHA256 {
		return false
	}
	return true
}
