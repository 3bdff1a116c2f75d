package policy

import (
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// Parse deserializes a policy document from its YAML wire form.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, wasmerr.Wrap(wasmerr.ClassPolicyParse, "policy yaml parse", err)
	}
	return doc, nil
}

// Serialize produces the YAML wire form of doc.
func Serialize(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// InlinePermissions is the permissions block embedded inline in a
// provisioning manifest component entry (spec §6).
type InlinePermissions struct {
	Network     *NetworkPermission     `yaml:"network,omitempty"`
	Storage     *StoragePermission     `yaml:"storage,omitempty"`
	Environment *EnvironmentPermission `yaml:"environment,omitempty"`
	Resources   *ResourceLimit         `yaml:"resources,omitempty"`
}

// Synthesize is the pure, total function mapping a manifest's inline
// permissions to a PolicyDocument (spec §4.D / §9 "manifest→policy as pure
// function"). It performs no I/O.
func Synthesize(componentName string, inline InlinePermissions) Document {
	return Document{
		Version:     "1.0",
		Description: "synthesized policy for " + componentName,
		Permissions: Permissions{
			Network:     inline.Network,
			Storage:     inline.Storage,
			Environment: inline.Environment,
			Resources:   inline.Resources,
		},
	}
}
