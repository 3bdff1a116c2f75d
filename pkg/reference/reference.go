// Package reference parses component URIs into typed references and derives
// the stable component id used to key storage and the registry.
package reference

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// Scheme identifies which transport a Reference resolves through.
type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeHTTPS Scheme = "https"
	SchemeOCI  Scheme = "oci"
)

// Reference is the tagged union described in spec §3: File(path) | Https(url) | Oci(registry, repository, tag_or_digest).
type Reference struct {
	Scheme Scheme

	// File
	Path string

	// Https
	URL string

	// Oci
	Registry   string
	Repository string
	TagOrDigest string

	raw string
}

func (r Reference) String() string { return r.raw }

// Parse resolves a reference string into a typed Reference. Only the three
// schemes named in the spec are accepted. A reference with no scheme, or one
// url.Parse rejects, is InvalidReference; any other scheme is
// UnsupportedScheme.
func Parse(raw string) (Reference, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, wasmerr.Wrap(wasmerr.ClassInvalidReference, raw, err)
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if p == "" {
			return Reference{}, wasmerr.InvalidReference("file reference has no path: " + raw)
		}
		return Reference{Scheme: SchemeFile, Path: p, raw: raw}, nil
	case "https":
		if u.Host == "" {
			return Reference{}, wasmerr.InvalidReference("https reference has no host: " + raw)
		}
		return Reference{Scheme: SchemeHTTPS, URL: raw, raw: raw}, nil
	case "oci":
		registry := u.Host
		if registry == "" {
			return Reference{}, wasmerr.InvalidReference("oci reference has no registry: " + raw)
		}
		rest := strings.TrimPrefix(u.Path, "/")
		if rest == "" {
			return Reference{}, wasmerr.InvalidReference("oci reference has no repository: " + raw)
		}
		repository := rest
		tagOrDigest := "latest"
		if idx := strings.LastIndex(rest, "@"); idx >= 0 {
			repository = rest[:idx]
			tagOrDigest = rest[idx+1:]
		} else if idx := strings.LastIndex(rest, ":"); idx >= 0 {
			repository = rest[:idx]
			tagOrDigest = rest[idx+1:]
		}
		return Reference{
			Scheme:      SchemeOCI,
			Registry:    registry,
			Repository:  repository,
			TagOrDigest: tagOrDigest,
			raw:         raw,
		}, nil
	case "":
		return Reference{}, wasmerr.InvalidReference("reference has no scheme: " + raw)
	default:
		return Reference{}, wasmerr.UnsupportedScheme(u.Scheme)
	}
}

// ComponentID derives the deterministic, file-safe component id for a
// Reference: the last path segment (for oci, the repository's last segment;
// registry and tag are not part of the id), lowercase, sanitized. For file
// and https references the extension is stripped as well.
func ComponentID(ref Reference) string {
	var leaf string
	switch ref.Scheme {
	case SchemeFile:
		leaf = path.Base(ref.Path)
	case SchemeHTTPS:
		u, err := url.Parse(ref.URL)
		if err == nil {
			leaf = path.Base(u.Path)
		} else {
			leaf = ref.URL
		}
	case SchemeOCI:
		repoLeaf := path.Base(ref.Repository)
		return sanitize(repoLeaf)
	}
	leaf = strings.TrimSuffix(leaf, path.Ext(leaf))
	return sanitize(leaf)
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune('_')
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	out = strings.Trim(out, "_")
	if out == "" {
		return "component"
	}
	return out
}

// ValidateDigest checks that digest (if non-empty) matches "sha256:<64 hex>".
func ValidateDigest(digest string) error {
	if digest == "" {
		return nil
	}
	const prefix = "sha256:"
	if !strings.HasPrefix(digest, prefix) {
		return wasmerr.PolicyValidation(fmt.Sprintf("digest %q must start with %q", digest, prefix))
	}
	hex := strings.TrimPrefix(digest, prefix)
	if len(hex) != 64 {
		return wasmerr.PolicyValidation(fmt.Sprintf("digest %q must be 64 hex characters", digest))
	}
	for _, r := range hex {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return wasmerr.PolicyValidation(fmt.Sprintf("digest %q is not lowercase hex", digest))
		}
	}
	return nil
}
