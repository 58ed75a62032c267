package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Return codes of the emit_token host import.
const (
	EmitContinue = 0
	EmitStop     = 1
	EmitErr      = 2
)

// WASMEngine runs a generator compiled to WebAssembly. The guest reads the
// conversation from the LOQA_LLM_MESSAGES environment variable (a JSON array
// of {role, content}) and pushes tokens through env.emit_token. Each
// generation gets a fresh module instance.
type WASMEngine struct {
	log *slog.Logger
	cb  callback

	mu       sync.Mutex
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	manifest Manifest

	current atomic.Pointer[wasmGeneration]
}

type wasmGeneration struct {
	stop   atomic.Bool
	cancel context.CancelFunc
	max    int
	count  int
}

func NewWASMEngine(log *slog.Logger) *WASMEngine {
	return &WASMEngine{log: log.With(slog.String("component", "llm-wasm"))}
}

// Init loads engine.yaml from modelDir and compiles the module it names.
func (e *WASMEngine) Init(ctx context.Context, modelDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiled != nil {
		return nil
	}
	m, err := LoadManifest(filepath.Join(modelDir, ManifestFile))
	if err != nil {
		return fmt.Errorf("load engine manifest: %w", err)
	}
	if err := ValidateManifest(m); err != nil {
		return fmt.Errorf("validate engine manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(m.Module)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := e.instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("compile module: %w", err)
	}
	if _, ok := compiled.ExportedFunctions()[m.Entrypoint]; !ok {
		rt.Close(ctx)
		return fmt.Errorf("entrypoint %q not found", m.Entrypoint)
	}
	e.rt = rt
	e.compiled = compiled
	e.manifest = m
	e.log.Info("wasm engine loaded", slog.String("engine", m.Name), slog.String("version", m.Version))
	return nil
}

func (e *WASMEngine) SetCallback(fn TokenFunc) { e.cb.set(fn) }

func (e *WASMEngine) Generate(ctx context.Context, history []Turn, input string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiled == nil {
		return errors.New("wasm engine not initialized")
	}

	turns := messages(e.manifest.SystemPrompt, history, input)
	msgs := make([]chatMessage, len(turns))
	for i, t := range turns {
		msgs[i] = chatMessage{Role: t.Role, Content: t.Content}
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen := &wasmGeneration{cancel: cancel, max: e.manifest.MaxTokens}
	e.current.Store(gen)
	defer e.current.Store(nil)

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithEnv("LOQA_LLM_MESSAGES", string(payload)).
		WithEnv("LOQA_LLM_INPUT", input).
		WithEnv("LOQA_LLM_MAX_TOKENS", strconv.Itoa(gen.max))
	for k, v := range e.manifest.Env {
		cfg = cfg.WithEnv(k, v)
	}
	mod, err := e.rt.InstantiateModule(callCtx, e.compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", e.manifest.Name, err)
	}
	defer mod.Close(context.Background())

	_, err = mod.ExportedFunction(e.manifest.Entrypoint).Call(callCtx)
	switch {
	case err == nil, gen.stop.Load():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 {
		return nil
	}
	return fmt.Errorf("wasm engine %s: %w", e.manifest.Name, err)
}

// Stop makes emit_token report EmitStop and closes the running instance.
func (e *WASMEngine) Stop() {
	if gen := e.current.Load(); gen != nil {
		gen.stop.Store(true)
		gen.cancel()
	}
}

func (e *WASMEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return nil
	}
	err := e.rt.Close(context.Background())
	e.rt = nil
	e.compiled = nil
	return err
}

// Manifest returns the loaded manifest.
func (e *WASMEngine) Manifest() Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest
}

func (e *WASMEngine) instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostLog), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.emitToken), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("emit_token").
		WithResultNames("code").
		Export("emit_token")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.shouldStop), nil, []api.ValueType{api.ValueTypeI32}).
		WithName("should_stop").
		Export("should_stop")
	_, err := builder.Instantiate(ctx)
	return err
}

func (e *WASMEngine) hostLog(_ context.Context, mod api.Module, stack []uint64) {
	data, ok := readGuest(mod, stack[0], stack[1])
	if !ok || len(data) == 0 {
		return
	}
	e.log.Info("engine log", slog.String("message", string(data)))
}

func (e *WASMEngine) emitToken(_ context.Context, mod api.Module, stack []uint64) {
	gen := e.current.Load()
	if gen == nil || gen.stop.Load() {
		stack[0] = api.EncodeI32(EmitStop)
		return
	}
	data, ok := readGuest(mod, stack[0], stack[1])
	if !ok {
		stack[0] = api.EncodeI32(EmitErr)
		return
	}
	e.cb.emit(string(data))
	gen.count++
	if gen.max > 0 && gen.count >= gen.max {
		stack[0] = api.EncodeI32(EmitStop)
		return
	}
	stack[0] = api.EncodeI32(EmitContinue)
}

func (e *WASMEngine) shouldStop(_ context.Context, _ api.Module, stack []uint64) {
	gen := e.current.Load()
	if gen == nil || gen.stop.Load() {
		stack[0] = api.EncodeI32(1)
		return
	}
	stack[0] = api.EncodeI32(0)
}

func readGuest(mod api.Module, ptr, length uint64) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	return mem.Read(api.DecodeU32(ptr), api.DecodeU32(length))
}
