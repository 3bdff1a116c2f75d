package loader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	digest "github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/wasmhost/pkg/reference"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// RegistryPuller pulls a component's wasm layer and optional policy sidecar
// layer from an OCI registry, disassembling multi-layer artifacts per spec
// §4.B: the wasm layer is identified by a media-type suffix of "wasm" or
// "component"; the policy layer by a suffix of "policy" or "yaml". Exactly
// one wasm layer is required; at most one policy layer is permitted.
type RegistryPuller struct {
	Options []remote.Option
}

func NewRegistryPuller(opts ...remote.Option) *RegistryPuller {
	return &RegistryPuller{Options: opts}
}

func (p *RegistryPuller) Pull(ctx context.Context, ref reference.Reference) ([]byte, []byte, error) {
	imgRef, err := name.ParseReference(fmt.Sprintf("%s/%s:%s", ref.Registry, ref.Repository, ref.TagOrDigest))
	if err != nil {
		return nil, nil, wasmerr.InvalidReference(err.Error())
	}

	opts := append([]remote.Option{remote.WithContext(ctx)}, p.Options...)
	img, err := remote.Image(imgRef, opts...)
	if err != nil {
		return nil, nil, wasmerr.TransportError(err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, nil, wasmerr.TransportError(err)
	}

	var wasmBytes, policyBytes []byte
	var wasmLayers, policyLayers int

	for _, layer := range layers {
		mediaType, err := layer.MediaType()
		if err != nil {
			return nil, nil, wasmerr.MalformedArtifact("could not read layer media type")
		}
		mt := strings.ToLower(string(mediaType))

		declaredDigest, err := layer.Digest()
		if err != nil {
			return nil, nil, wasmerr.MalformedArtifact("could not read layer digest")
		}

		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, nil, wasmerr.TransportError(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, wasmerr.TransportError(err)
		}

		if err := verifyLayerDigest(declaredDigest, data); err != nil {
			return nil, nil, err
		}

		switch {
		case strings.HasSuffix(mt, "wasm") || strings.HasSuffix(mt, "component"):
			wasmBytes = data
			wasmLayers++
		case strings.HasSuffix(mt, "policy") || strings.HasSuffix(mt, "yaml"):
			policyBytes = data
			policyLayers++
		default:
			return nil, nil, wasmerr.MalformedArtifact(fmt.Sprintf("unrecognized layer media type %q", mediaType))
		}
	}

	if wasmLayers != 1 {
		return nil, nil, wasmerr.MalformedArtifact(fmt.Sprintf("expected exactly one wasm layer, found %d", wasmLayers))
	}
	if policyLayers > 1 {
		return nil, nil, wasmerr.MalformedArtifact(fmt.Sprintf("expected at most one policy layer, found %d", policyLayers))
	}

	return wasmBytes, policyBytes, nil
}

func verifyLayerDigest(declared digest.Digest, data []byte) error {
	computed := digest.FromBytes(data)
	if computed != declared {
		return wasmerr.DigestMismatch(declared.String(), computed.String())
	}
	return nil
}
