// Package script executes user-supplied reconciliation JavaScript inside a
// goja runtime. Every invocation receives a single context object carrying
// the state snapshot, a mutable candidate state, logs, the outbox and the
// waker request. Scripts get no capability beyond the language builtins.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/twin_layer/pkg/duration"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// ErrAborted is returned when a script exceeds its execution budget.
var ErrAborted = errors.New("script aborted")

// Error is an exception thrown from user code. It fails the invocation, not
// the mutation: callers capture it into the hook log and continue.
type Error struct {
	Hook    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("script error in %s: %s", e.Hook, e.Message)
}

// Request is one script invocation.
type Request struct {
	ThingID      string
	Hook         string
	Source       string
	CurrentState map[string]any
	NewState     map[string]any
	Now          time.Time
}

// OutboxRequest is one entry a script pushed to context.outbox: a merge
// document targeted at another thing.
type OutboxRequest struct {
	Thing   string
	Message map[string]any
}

// Result carries everything a script produced.
type Result struct {
	NewState map[string]any
	Logs     []string
	Outbox   []OutboxRequest
	Waker    *time.Duration
	Value    any
}

// Config tunes the runtime budgets.
type Config struct {
	// Timeout is the wall-clock budget per invocation.
	Timeout time.Duration
	// MaxCallStackSize bounds recursion depth.
	MaxCallStackSize int
	// CacheSize bounds the process-wide compiled program cache.
	CacheSize int
}

// DefaultConfig returns the production budgets.
func DefaultConfig() Config {
	return Config{
		Timeout:          100 * time.Millisecond,
		MaxCallStackSize: 1024,
		CacheSize:        512,
	}
}

// Runtime compiles and runs scripts. The compilation cache is process-wide,
// keyed by source hash, bounded LRU.
type Runtime struct {
	cfg      Config
	programs *lru.Cache[string, *goja.Program]
	log      *logger.Logger
}

// New creates a Runtime.
func New(cfg Config, log *logger.Logger) (*Runtime, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = DefaultConfig().MaxCallStackSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if log == nil {
		log = logger.NewDefault("script")
	}
	programs, err := lru.New[string, *goja.Program](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init program cache: %w", err)
	}
	return &Runtime{cfg: cfg, programs: programs, log: log}, nil
}

// prelude wires the helpers scripts expect: console logging into
// context.logs and sendMerge into context.outbox.
const prelude = `
context.sendMerge = function(thing, merge) {
	context.outbox.push({ thing: thing, message: merge });
};
var sendMerge = context.sendMerge;
var console = {
	log: function() {
		var parts = [];
		for (var i = 0; i < arguments.length; i++) {
			var a = arguments[i];
			parts.push(typeof a === 'string' ? a : JSON.stringify(a));
		}
		context.logs.push(parts.join(' '));
	}
};
console.info = console.log;
console.warn = console.log;
console.error = console.log;
`

// Compile parses a script without running it, for producer-side validation.
func (r *Runtime) Compile(source string) error {
	_, err := r.program(source)
	return err
}

func (r *Runtime) program(source string) (*goja.Program, error) {
	key := hashSource(source)
	if prog, ok := r.programs.Get(key); ok {
		return prog, nil
	}
	prog, err := goja.Compile("script.js", wrap(source), false)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	r.programs.Add(key, prog)
	return prog, nil
}

// Run executes one invocation. A deadline watchdog interrupts the VM when
// the budget is exhausted; the invocation then fails with ErrAborted.
func (r *Runtime) Run(ctx context.Context, req Request) (*Result, error) {
	prog, err := r.program(req.Source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(r.cfg.MaxCallStackSize)

	ctxObj := vm.NewObject()
	_ = ctxObj.Set("currentState", vm.ToValue(req.CurrentState))
	_ = ctxObj.Set("newState", vm.ToValue(req.NewState))
	_ = ctxObj.Set("logs", vm.NewArray())
	_ = ctxObj.Set("outbox", vm.NewArray())
	if err := vm.Set("context", ctxObj); err != nil {
		return nil, fmt.Errorf("set context: %w", err)
	}
	if _, err := vm.RunString(prelude); err != nil {
		return nil, fmt.Errorf("load prelude: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, r.classify(req.Hook, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("script did not compile to a function")
	}

	retVal, err := fn(goja.Undefined(), vm.ToValue(ctxObj))
	if err != nil {
		return nil, r.classify(req.Hook, err)
	}

	return r.collect(ctxObj, retVal)
}

// classify maps goja failures onto the error taxonomy: interrupts are budget
// breaches, exceptions are user errors.
func (r *Runtime) classify(hook string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %s exceeded budget of %s", ErrAborted, hook, r.cfg.Timeout)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &Error{Hook: hook, Message: exception.Value().String()}
	}
	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return fmt.Errorf("%w: %s exceeded call stack limit", ErrAborted, hook)
	}
	return fmt.Errorf("run script %s: %w", hook, err)
}

func (r *Runtime) collect(ctxObj *goja.Object, retVal goja.Value) (*Result, error) {
	result := &Result{}

	if ns := ctxObj.Get("newState"); ns != nil && !goja.IsUndefined(ns) && !goja.IsNull(ns) {
		if exported, ok := ns.Export().(map[string]any); ok {
			result.NewState = exported
		}
	}

	if logs := ctxObj.Get("logs"); logs != nil {
		if exported, ok := logs.Export().([]any); ok {
			for _, entry := range exported {
				result.Logs = append(result.Logs, fmt.Sprint(entry))
			}
		}
	}

	if outbox := ctxObj.Get("outbox"); outbox != nil {
		if exported, ok := outbox.Export().([]any); ok {
			for _, entry := range exported {
				obj, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				target, _ := obj["thing"].(string)
				message, _ := obj["message"].(map[string]any)
				if target == "" || message == nil {
					continue
				}
				result.Outbox = append(result.Outbox, OutboxRequest{Thing: target, Message: message})
			}
		}
	}

	if waker := ctxObj.Get("waker"); waker != nil && !goja.IsUndefined(waker) && !goja.IsNull(waker) {
		parsed, err := duration.Parse(waker.String())
		if err != nil {
			return nil, fmt.Errorf("invalid context.waker %q: %w", waker.String(), err)
		}
		result.Waker = &parsed
	}

	if retVal != nil && !goja.IsUndefined(retVal) && !goja.IsNull(retVal) {
		result.Value = retVal.Export()
	}
	return result, nil
}

func wrap(source string) string {
	return "(function(context) {\n" + source + "\n})"
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
