// Package provisioning implements the declarative provisioning controller:
// a manifest naming the components a host should have loaded, validated as
// a whole before anything is touched, then applied as a batch of
// independent loads where one component's failure never blocks another's.
//
// The manifest shape (a versioned list of named entries with inline
// permissions and environment bindings) and the validate-the-whole-thing-
// first discipline are grounded on this codebase's own bundle/manifest
// validation path, generalized from a single bundle to a batch of
// components sharing one registry.
package provisioning

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/wasmhost/pkg/policy"
	"github.com/Mindburn-Labs/wasmhost/pkg/reference"
	"github.com/Mindburn-Labs/wasmhost/pkg/registry"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// ComponentSpec is one entry in a provisioning Manifest.
type ComponentSpec struct {
	Name        string                   `yaml:"name" json:"name"`
	URI         string                   `yaml:"uri" json:"uri"`
	Digest      string                   `yaml:"digest,omitempty" json:"digest,omitempty"`
	Permissions policy.InlinePermissions `yaml:"permissions" json:"permissions"`
	Env         map[string]string        `yaml:"env,omitempty" json:"env,omitempty"`
}

// Manifest is the declarative provisioning input: a versioned batch of
// components to load.
type Manifest struct {
	Version    int             `yaml:"version" json:"version"`
	Components []ComponentSpec `yaml:"components" json:"components"`
}

// Parse deserializes a Manifest from its YAML wire form and validates it as
// a whole: a malformed manifest is rejected entirely, before any component
// in it is touched.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, wasmerr.Wrap(wasmerr.ClassManifestValidation, "manifest yaml parse", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks every whole-manifest invariant: version 1, at least one
// component, unique URIs, each URI a well-formed reference, each digest (if
// present) a well-formed "sha256:<64 hex>" string, each component declaring
// at least one permission class, every storage entry an fs:// absolute
// path, and unique environment keys within a component.
func (m Manifest) Validate() error {
	if m.Version != 1 {
		return wasmerr.ManifestValidation(fmt.Sprintf("unsupported manifest version %d", m.Version))
	}
	if len(m.Components) == 0 {
		return wasmerr.ManifestValidation("manifest must declare at least one component")
	}

	seenURIs := make(map[string]bool, len(m.Components))
	seenNames := make(map[string]bool, len(m.Components))
	for _, c := range m.Components {
		if c.Name == "" {
			return wasmerr.ManifestValidation("component name is required")
		}
		if seenNames[c.Name] {
			return wasmerr.ManifestValidation(fmt.Sprintf("duplicate component name %q", c.Name))
		}
		seenNames[c.Name] = true

		if seenURIs[c.URI] {
			return wasmerr.ManifestValidation(fmt.Sprintf("duplicate component uri %q", c.URI))
		}
		seenURIs[c.URI] = true

		if _, err := reference.Parse(c.URI); err != nil {
			return wasmerr.ManifestValidation(fmt.Sprintf("component %q: %v", c.Name, err))
		}
		if err := reference.ValidateDigest(c.Digest); err != nil {
			return wasmerr.ManifestValidation(fmt.Sprintf("component %q: %v", c.Name, err))
		}

		if c.Permissions.Network == nil && c.Permissions.Storage == nil &&
			c.Permissions.Environment == nil && c.Permissions.Resources == nil {
			return wasmerr.ManifestValidation(fmt.Sprintf("component %q must declare at least one permission class", c.Name))
		}

		synthesized := policy.Synthesize(c.Name, c.Permissions)
		if err := synthesized.Validate(); err != nil {
			return wasmerr.ManifestValidation(fmt.Sprintf("component %q: %v", c.Name, err))
		}

		seenEnvKeys := make(map[string]bool, len(c.Env))
		for k := range c.Env {
			if k == "" {
				return wasmerr.ManifestValidation(fmt.Sprintf("component %q: empty environment key", c.Name))
			}
			if seenEnvKeys[k] {
				return wasmerr.ManifestValidation(fmt.Sprintf("component %q: duplicate environment key %q", c.Name, k))
			}
			seenEnvKeys[k] = true
		}
	}
	return nil
}

// Result is the outcome of provisioning a single component.
type Result struct {
	Name        string
	ComponentID string
	Err         error
}

// Report is the outcome of applying a whole manifest.
type Report struct {
	Results []Result
}

// Succeeded returns the subset of results that loaded successfully.
func (r Report) Succeeded() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the subset of results that failed to load.
func (r Report) Failed() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Controller applies provisioning manifests against a registry, seeding
// each component's secrets before load so they are available the moment
// the sandbox's environment is projected.
type Controller struct {
	reg     *registry.Registry
	secrets *secrets.Store
}

func New(reg *registry.Registry, secretStore *secrets.Store) *Controller {
	return &Controller{reg: reg, secrets: secretStore}
}

// Apply loads every component in m, in declaration order, isolating each
// component's failure from the rest: one bad reference or digest mismatch
// does not prevent the others from loading. Digest verification (resolving
// whether a manifest's declared digest must be checked before a component
// is registered) is mandatory whenever a component declares one, via
// registry.Load's own digest check.
func (c *Controller) Apply(ctx context.Context, m Manifest) (Report, error) {
	if err := m.Validate(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, spec := range m.Components {
		if len(spec.Env) > 0 {
			c.secrets.SeedFromEnv(reference.ComponentID(mustParse(spec.URI)), spec.Env)
		}

		doc := policy.Synthesize(spec.Name, spec.Permissions)
		component, err := c.reg.Load(ctx, spec.URI, &doc, spec.Digest)

		result := Result{Name: spec.Name, Err: err}
		if err == nil {
			result.ComponentID = component.ComponentID
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func mustParse(uri string) reference.Reference {
	ref, _ := reference.Parse(uri)
	return ref
}
