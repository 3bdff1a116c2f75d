// Package wasmengine implements the host's invocation engine: the black-box
// Engine described in the system's purpose statement (compile, precompile,
// instantiate(policy), invoke), concretely backed by tetratelabs/wazero.
//
// The deny-by-default WASI instantiation, fresh-sandbox-per-call isolation,
// memory/CPU ceiling enforcement and typed SandboxError are modeled directly
// on this codebase's own WASI sandbox (no ambient authority unless the
// policy explicitly grants a preopen, host or env key).
package wasmengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/wasmhost/pkg/policy"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// Version identifies this engine build as a semver string (build metadata
// carries the host revision). Persisted into ComponentMetadata so a
// mismatch forces precompiled-cache eviction (spec §9); kept as valid
// semver, rather than a free-form tag, so Registry.Restore can compare
// installed-vs-running engine versions ignoring build metadata instead of
// by brittle exact string equality.
const Version = "1.11.0+host.1"

// OutputMaxBytes caps combined stdout+stderr diagnostic capture per call.
const OutputMaxBytes = 1024 * 1024

const defaultCPUTimeLimit = 30 * time.Second

// Engine owns the wazero compilation cache shared across calls. The CPU time
// ceiling used when a policy does not specify one is the package-level
// defaultCPUTimeLimit.
type Engine struct {
	cache wazero.CompilationCache
}

// New creates an Engine with an in-memory compilation cache reused across
// Compile calls (the wazero-idiomatic analog of the on-disk ".precompiled"
// artifact named in the data model; for cross-process reuse, callers use
// NewWithCacheDir below instead).
func New() *Engine {
	return &Engine{cache: wazero.NewCompilationCache()}
}

// NewWithCacheDir creates an Engine whose compilation cache is persisted
// under dir, giving genuine cross-process reuse of the ".precompiled"
// artifact.
func NewWithCacheDir(ctx context.Context, dir string) (*Engine, error) {
	cache, err := wazero.NewCompilationCacheWithDir(dir)
	if err != nil {
		return nil, wasmerr.Wrap(wasmerr.ClassCompileError, "open compilation cache", err)
	}
	return &Engine{cache: cache}, nil
}

// Close releases the shared compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Close(ctx)
}

// CompiledModule is a precompiled, policy-independent module ready to be
// instantiated many times with different policies.
type CompiledModule struct {
	Bytes []byte
}

// Compile parses and validates wasm bytes without instantiating them.
// Full compilation (native code generation) happens lazily at Instantiate
// time against a freshly-configured runtime sized for that call's policy;
// the compilation cache makes repeat compiles of the same bytes cheap,
// which is the precompile step named in the engine's contract.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (*CompiledModule, error) {
	if len(wasmBytes) == 0 {
		return nil, wasmerr.CompileError(fmt.Errorf("empty module bytes"))
	}
	probe := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(e.cache))
	defer probe.Close(ctx)
	compiled, err := probe.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, wasmerr.CompileError(err)
	}
	_ = compiled.Close(ctx)
	return &CompiledModule{Bytes: wasmBytes}, nil
}

// Invocation is a single tool call against an instantiated component.
type Invocation struct {
	ExportName string
	JSONArgs   []byte
}

// Result is what a single call yields: the raw bytes the export wrote to
// stdout (the component's JSON-encoded typed result under this engine's
// calling convention), plus captured stderr diagnostics.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Instantiate+Invoke in one call: the engine builds a fresh sandbox sized
// and scoped to enforcer/secretsStore, runs the named export with jsonArgs
// fed over stdin, and tears the sandbox down afterward. A fresh sandbox per
// call is the isolation invariant named in spec §4.F: no state leaks
// between calls.
func (e *Engine) Invoke(ctx context.Context, module *CompiledModule, componentID string, enforcer *policy.Enforcer, store *secrets.Store, envKeys []string, inv Invocation) (Result, error) {
	rConfig := wazero.NewRuntimeConfig().WithCompilationCache(e.cache).WithCloseOnContextDone(true)
	if ceiling, ok := enforcer.MemoryCeilingBytes(); ok {
		pages := uint32(ceiling / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, rConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return Result{}, wasmerr.InstantiateError(err)
	}

	fsConfig := wazero.NewFSConfig()
	for _, m := range enforcer.StorageMounts() {
		if m.Write {
			fsConfig = fsConfig.WithDirMount(m.Path, m.Path)
		} else {
			fsConfig = fsConfig.WithReadOnlyDirMount(m.Path, m.Path)
		}
	}

	execCtx := ctx
	cpuLimit := defaultCPUTimeLimit
	if ms, ok := enforcer.CPUTimeCeilingMs(); ok {
		cpuLimit = time.Duration(ms) * time.Millisecond
	}
	var cancel context.CancelFunc
	execCtx, cancel = context.WithTimeout(ctx, cpuLimit)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(inv.JSONArgs)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName(componentID).
		WithFSConfig(fsConfig)

	for _, key := range envKeys {
		if !enforcer.MayReadEnv(key) {
			continue
		}
		val, found := store.Lookup(componentID, key)
		if !found {
			continue // component observes "unset" (spec §4.F)
		}
		modConfig = modConfig.WithEnv(key, val)
	}

	compiled, err := runtime.CompileModule(execCtx, module.Bytes)
	if err != nil {
		return Result{}, wasmerr.CompileError(err)
	}
	defer compiled.Close(execCtx)

	mod, err := runtime.InstantiateModule(execCtx, compiled, modConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return Result{}, wasmerr.ResourceExhausted("cpu_time")
		}
		if isMemoryError(err) {
			return Result{}, wasmerr.ResourceExhausted("memory")
		}
		return Result{}, wasmerr.InstantiateError(err)
	}
	defer mod.Close(execCtx)

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return Result{}, wasmerr.ResourceExhausted("output")
	}

	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "memory") && containsAny(msg, "limit", "grow", "exceeded")
}

func containsAny(s string, anyOf ...string) bool {
	for _, sub := range anyOf {
		if bytes.Contains([]byte(s), []byte(sub)) {
			return true
		}
	}
	return false
}

// SchemaValidator compiles a tool's input/output JSON Schemas once at
// registration time and re-validates every call against them, rejecting
// malformed arguments before a sandbox is ever instantiated.
type SchemaValidator struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// CompileSchemas builds a SchemaValidator from raw Draft 2020-12 schema
// documents. Either schema may be nil, meaning that side is unchecked.
func CompileSchemas(inputSchema, outputSchema []byte) (*SchemaValidator, error) {
	v := &SchemaValidator{}
	var err error
	if len(inputSchema) > 0 {
		if v.input, err = compileSchema("input", inputSchema); err != nil {
			return nil, err
		}
	}
	if len(outputSchema) > 0 {
		if v.output, err = compileSchema("output", outputSchema); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, wasmerr.Wrap(wasmerr.ClassSchemaViolation, name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, wasmerr.Wrap(wasmerr.ClassSchemaViolation, name, err)
	}
	return schema, nil
}

// ValidateArgs checks jsonArgs against the compiled input schema, if any.
func (v *SchemaValidator) ValidateArgs(jsonArgs []byte) error {
	if v == nil || v.input == nil {
		return nil
	}
	return validateJSON(v.input, jsonArgs)
}

// ValidateResult checks jsonResult against the compiled output schema, if
// any.
func (v *SchemaValidator) ValidateResult(jsonResult []byte) error {
	if v == nil || v.output == nil {
		return nil
	}
	return validateJSON(v.output, jsonResult)
}

// HasOutputSchema reports whether the tool declared an output schema, the
// signal the dispatcher uses to decide whether a call's result also gets a
// structured_content field.
func (v *SchemaValidator) HasOutputSchema() bool {
	return v != nil && v.output != nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return wasmerr.Wrap(wasmerr.ClassSchemaViolation, "decode", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return wasmerr.Wrap(wasmerr.ClassSchemaViolation, "validate", err)
	}
	return nil
}
