// Package loader implements the transport-specific byte acquisition
// described in spec §4.B: fetch(reference) -> DownloadedResource across the
// file, https and oci schemes, bounded by a fair-FIFO download semaphore.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/wasmhost/pkg/reference"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// Resource is the DownloadedResource described in spec §3: the fetched
// wasm bytes and optional policy bytes, held in memory, plus the source
// reference that produced them.
type Resource struct {
	WasmBytes   []byte
	PolicyBytes []byte // nil if no policy sidecar was fetched
	Source      reference.Reference
}

// Config carries the transport timeouts and concurrency ceiling named in
// spec §4.B and §6.
type Config struct {
	HTTPTimeout     time.Duration
	OCITimeout      time.Duration
	MaxBodyBytes    int64
	MaxDownloads    int64
}

func DefaultConfig() Config {
	return Config{
		HTTPTimeout:  30 * time.Second,
		OCITimeout:   30 * time.Second,
		MaxBodyBytes: 256 * 1024 * 1024,
		MaxDownloads: 4,
	}
}

// Loader fetches a Resource for a Reference across the three supported
// transports, bounding concurrent downloads with a fair-FIFO semaphore so a
// blocked loader never holds the registry lock (spec §4.B, §5).
type Loader struct {
	cfg  Config
	sem  *semaphore.Weighted
	http *http.Client
	oci  OCIPuller
}

// OCIPuller abstracts the OCI registry client so Loader can be tested
// without a real registry. The production implementation is backed by
// google/go-containerregistry.
type OCIPuller interface {
	Pull(ctx context.Context, ref reference.Reference) (wasmBytes, policyBytes []byte, err error)
}

func New(cfg Config, oci OCIPuller) *Loader {
	return &Loader{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(cfg.MaxDownloads),
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		oci:  oci,
	}
}

// Fetch dispatches to the transport matching ref.Scheme.
func (l *Loader) Fetch(ctx context.Context, ref reference.Reference) (Resource, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Resource{}, wasmerr.TransportError(err)
	}
	defer l.sem.Release(1)

	switch ref.Scheme {
	case reference.SchemeFile:
		return l.fetchFile(ref)
	case reference.SchemeHTTPS:
		return l.fetchHTTPS(ctx, ref)
	case reference.SchemeOCI:
		return l.fetchOCI(ctx, ref)
	default:
		return Resource{}, wasmerr.UnsupportedScheme(string(ref.Scheme))
	}
}

func (l *Loader) fetchFile(ref reference.Reference) (Resource, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Resource{}, wasmerr.NotFound(ref.Path)
		}
		return Resource{}, wasmerr.Wrap(wasmerr.ClassTransportError, ref.Path, err)
	}
	if info.IsDir() {
		return Resource{}, wasmerr.MalformedArtifact(fmt.Sprintf("%s is a directory", ref.Path))
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return Resource{}, wasmerr.Wrap(wasmerr.ClassTransportError, ref.Path, err)
	}

	resource := Resource{WasmBytes: data, Source: ref}

	// A component can carry an adjacent sidecar policy at <path>.policy.yaml.
	policyPath := ref.Path + ".policy.yaml"
	if policyBytes, err := os.ReadFile(policyPath); err == nil {
		resource.PolicyBytes = policyBytes
	} else if !os.IsNotExist(err) {
		return Resource{}, wasmerr.Wrap(wasmerr.ClassTransportError, policyPath, err)
	}
	return resource, nil
}

func (l *Loader) fetchHTTPS(ctx context.Context, ref reference.Reference) (Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return Resource{}, wasmerr.InvalidReference(ref.URL)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return Resource{}, wasmerr.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Resource{}, wasmerr.NotFound(ref.URL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Resource{}, wasmerr.New(wasmerr.ClassTransportError, fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, ref.URL))
	}

	limited := io.LimitReader(resp.Body, l.cfg.MaxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Resource{}, wasmerr.TransportError(err)
	}
	if int64(len(data)) > l.cfg.MaxBodyBytes {
		return Resource{}, wasmerr.New(wasmerr.ClassTransportError, fmt.Sprintf("body exceeds %d byte ceiling", l.cfg.MaxBodyBytes))
	}

	return Resource{WasmBytes: data, Source: ref}, nil
}

func (l *Loader) fetchOCI(ctx context.Context, ref reference.Reference) (Resource, error) {
	if l.oci == nil {
		return Resource{}, wasmerr.New(wasmerr.ClassTransportError, "oci puller not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OCITimeout)
	defer cancel()

	wasmBytes, policyBytes, err := l.oci.Pull(ctx, ref)
	if err != nil {
		return Resource{}, err
	}
	return Resource{WasmBytes: wasmBytes, PolicyBytes: policyBytes, Source: ref}, nil
}

// StageToScratch writes a resource's bytes into dir for inspection prior to
// Storage committing them, matching the scratch-download-directory
// lifecycle named in spec §3 and §6.
func StageToScratch(dir string, id string, r Resource) (wasmPath string, policyPath string, err error) {
	wasmPath = filepath.Join(dir, id+".wasm.download")
	if err := os.WriteFile(wasmPath, r.WasmBytes, 0o644); err != nil {
		return "", "", wasmerr.StorageIo(wasmPath, err)
	}
	if r.PolicyBytes != nil {
		policyPath = filepath.Join(dir, id+".policy.yaml.download")
		if err := os.WriteFile(policyPath, r.PolicyBytes, 0o644); err != nil {
			return "", "", wasmerr.StorageIo(policyPath, err)
		}
	}
	return wasmPath, policyPath, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest checks data's SHA-256 against an expected "sha256:<hex>"
// digest string, as required for OCI layer verification (spec §4.B) and
// provisioning manifest digests (spec §9).
func VerifyDigest(expected string, data []byte) error {
	if expected == "" {
		return nil
	}
	const prefix = "sha256:"
	want := expected
	if len(want) > len(prefix) && want[:len(prefix)] == prefix {
		want = want[len(prefix):]
	}
	got := sha256Hex(data)
	if got != want {
		return wasmerr.DigestMismatch(want, got)
	}
	return nil
}
