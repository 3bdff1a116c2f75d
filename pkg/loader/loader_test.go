package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/reference"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

type fakeOCIPuller struct {
	wasm, policy []byte
	err          error
}

func (f *fakeOCIPuller) Pull(ctx context.Context, ref reference.Reference) ([]byte, []byte, error) {
	return f.wasm, f.policy, f.err
}

func TestLoader_FetchFile(t *testing.T) {
	dir := t.TempDir()
	wasmPath := filepath.Join(dir, "fetch.wasm")
	require.NoError(t, os.WriteFile(wasmPath, []byte("wasm-bytes"), 0o644))

	l := New(DefaultConfig(), nil)
	ref, err := reference.Parse("file://" + wasmPath)
	require.NoError(t, err)

	t.Run("no sidecar policy", func(t *testing.T) {
		res, err := l.Fetch(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, []byte("wasm-bytes"), res.WasmBytes)
		assert.Nil(t, res.PolicyBytes)
	})

	t.Run("with sidecar policy", func(t *testing.T) {
		require.NoError(t, os.WriteFile(wasmPath+".policy.yaml", []byte("version: \"1.0\""), 0o644))
		res, err := l.Fetch(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, []byte("version: \"1.0\""), res.PolicyBytes)
	})

	t.Run("missing file is NotFound", func(t *testing.T) {
		missing, err := reference.Parse("file://" + filepath.Join(dir, "missing.wasm"))
		require.NoError(t, err)
		_, err = l.Fetch(context.Background(), missing)
		require.Error(t, err)
		assert.Equal(t, wasmerr.ClassNotFound, wasmerr.ClassOf(err))
	})
}

func TestLoader_FetchHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("http-wasm"))
	}))
	defer srv.Close()

	l := New(DefaultConfig(), nil)
	l.http = srv.Client()

	t.Run("successful fetch", func(t *testing.T) {
		ref, err := reference.Parse(srv.URL + "/fetch.wasm")
		require.NoError(t, err)
		res, err := l.Fetch(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, []byte("http-wasm"), res.WasmBytes)
	})

	t.Run("404 maps to NotFound", func(t *testing.T) {
		ref, err := reference.Parse(srv.URL + "/missing")
		require.NoError(t, err)
		_, err = l.Fetch(context.Background(), ref)
		require.Error(t, err)
		assert.Equal(t, wasmerr.ClassNotFound, wasmerr.ClassOf(err))
	})
}

func TestLoader_FetchOCI(t *testing.T) {
	puller := &fakeOCIPuller{wasm: []byte("oci-wasm"), policy: []byte("oci-policy")}
	l := New(DefaultConfig(), puller)

	ref, err := reference.Parse("oci://registry.example.com/ns/comp:v1")
	require.NoError(t, err)
	res, err := l.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("oci-wasm"), res.WasmBytes)
	assert.Equal(t, []byte("oci-policy"), res.PolicyBytes)
}

func TestVerifyDigest(t *testing.T) {
	data := []byte("hello world")
	t.Run("empty expected is a no-op", func(t *testing.T) {
		assert.NoError(t, VerifyDigest("", data))
	})
	t.Run("matching digest passes", func(t *testing.T) {
		correct := "sha256:" + sha256Hex(data)
		assert.NoError(t, VerifyDigest(correct, data))
	})
	t.Run("mismatched digest fails", func(t *testing.T) {
		err := VerifyDigest("sha256:0000000000000000000000000000000000000000000000000000000000000000", data)
		require.Error(t, err)
		assert.Equal(t, wasmerr.ClassDigestMismatch, wasmerr.ClassOf(err))
	})
}
