// Package operators implements the operator chain run on every chunk.
//
// Operators are registered by name. Each one declares a typed parameter
// struct, and a chain is compiled once from its step specs before any chunk
// work starts, so bad names and bad parameters are reported as configuration
// errors up front instead of from inside a worker.
package operators

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

const tracerName = "github.com/sunilgandhilab/brainquant3d/pkg/operators"

// Operator transforms one chunk. Run must not modify in; it returns a new
// volume, usually allocated through env.
type Operator interface {
	Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error)
}

// Params is the typed configuration of an operator.
type Params interface {
	// Validate checks required attributes and value ranges
	Validate() error
}

// Definition describes a registered operator.
type Definition struct {
	// Params returns a new parameter struct holding the defaults
	Params func() Params

	// Build creates the operator from validated parameters
	Build func(p Params) Operator
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Definition{}
)

// Register adds or replaces the operator called name.
func Register(name string, def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = def
}

// Lookup returns the definition registered under name
func Lookup(name string) (Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[name]
	return def, ok
}

// Names lists the registered operators in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Env is the per-chunk environment handed to operators.
type Env struct {
	// Chunk is the index of the chunk being processed
	Chunk int

	// Dir receives scratch volumes. Empty means scratch volumes live in memory.
	Dir    string
	Logger zerolog.Logger
}

// Scratch allocates a zeroed volume for operator output.
func (e Env) Scratch(shape models.Shape, dtype volume.DType) (*volume.Volume, error) {
	if e.Dir == "" {
		return volume.New(shape, dtype), nil
	}
	return volume.Empty(volume.TempPath(e.Dir), shape, dtype)
}

// Step is one compiled operator of a chain.
type Step struct {
	Name   string
	Params Params
	Op     Operator
	// Save is the mosaic path for this step's output, or ""
	Save string
}

// Chain is an immutable, compiled sequence of operators. It is safe to share
// between goroutines.
type Chain struct {
	Steps []Step
}

// Compile resolves and validates every step of a flow. In strict mode unknown
// parameter keys are rejected; otherwise they are logged and ignored. Missing
// or invalid required attributes always fail.
func Compile(specs []models.OperatorSpec, strict bool, log zerolog.Logger) (*Chain, error) {
	chain := &Chain{Steps: make([]Step, 0, len(specs))}
	for i, spec := range specs {
		def, ok := Lookup(spec.Name)
		if !ok {
			return nil, &errs.Error{Kind: errs.Configuration, Op: "compile", Chunk: errs.NoChunk,
				Operator: spec.Name, Msg: fmt.Sprintf("step %d: unknown operator (known: %v)", i, Names())}
		}
		p, err := decodeParams(spec, def, strict, log)
		if err != nil {
			return nil, &errs.Error{Kind: errs.Configuration, Op: "compile", Chunk: errs.NoChunk,
				Operator: spec.Name, Msg: fmt.Sprintf("step %d", i), Err: err}
		}
		chain.Steps = append(chain.Steps, Step{Name: spec.Name, Params: p, Op: def.Build(p), Save: spec.Save})
	}
	return chain, nil
}

func decodeParams(spec models.OperatorSpec, def Definition, strict bool, log zerolog.Logger) (Params, error) {
	p := def.Params()
	if len(spec.Params) > 0 {
		raw, err := yaml.Marshal(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		if err := decodeInto(raw, p, true); err != nil {
			if strict {
				return nil, err
			}
			// Retry without the unknown keys check; a type error fails again.
			p = def.Params()
			if err2 := decodeInto(raw, p, false); err2 != nil {
				return nil, err2
			}
			log.Warn().Str("operator", spec.Name).Err(err).Msg("Ignoring unknown operator parameters")
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeInto(raw []byte, p Params, knownFields bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(knownFields)
	return dec.Decode(p)
}

// Run executes the chain on in. After each step, after is called with the
// step output. Intermediate outputs are closed once the next step has
// consumed them; in itself is never closed, and the final output
// belongs to the caller.
func (c *Chain) Run(ctx context.Context, in *volume.Volume, env Env,
	after func(i int, s Step, out *volume.Volume) error) (*volume.Volume, error) {
	tr := otel.Tracer(tracerName)
	cur := in
	for i, s := range c.Steps {
		if err := ctx.Err(); err != nil {
			closeIntermediate(cur, in)
			return nil, err
		}

		_, span := tr.Start(ctx, "operator."+s.Name, trace.WithAttributes(attribute.Int("operator.step", i)))
		start := time.Now()
		out, err := runStep(ctx, s, cur, env)
		span.End()
		if err == nil && out == nil {
			err = fmt.Errorf("operator returned no volume")
		}
		if err != nil {
			closeIntermediate(cur, in)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errs.OperatorErr(s.Name, err)
		}
		env.Logger.Debug().Str("operator", s.Name).Stringer("shape", out.Shape()).
			Dur("elapsed", time.Since(start)).Msg("Operator finished")

		if out != cur {
			closeIntermediate(cur, in)
		}
		cur = out

		if after != nil {
			if err := after(i, s, cur); err != nil {
				closeIntermediate(cur, in)
				return nil, err
			}
		}
	}
	return cur, nil
}

// runStep runs one operator, turning a panic into an error so the chunk
// fails like any other operator error.
func runStep(ctx context.Context, s Step, in *volume.Volume, env Env) (out *volume.Volume, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Op.Run(ctx, in, env)
}

func closeIntermediate(v, in *volume.Volume) {
	if v != nil && v != in {
		v.Close()
	}
}
