package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ErrConfigDrift means a canonical telemetry-query definition diverged from
// the hash it was pinned to, or no longer compiles. Decisions are blocked
// while drift persists; the condition alerts, it never silently self-heals.
var ErrConfigDrift = errors.New("config: telemetry query drift")

// QuerySet holds the compiled canonical telemetry queries. Programs are
// compiled once at load; evaluation is side-effect free.
type QuerySet struct {
	env      *cel.Env
	programs map[string]cel.Program
	hashes   map[string]string
	defs     []QueryDef
}

// NewQuerySet compiles every query definition against the sample
// environment. Compile failure is ErrConfigDrift: the definitions no longer
// describe something this build can evaluate.
func NewQuerySet(defs []QueryDef) (*QuerySet, error) {
	env, err := cel.NewEnv(
		cel.Variable("metric", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("source_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("config: cel environment: %w", err)
	}

	qs := &QuerySet{
		env:      env,
		programs: make(map[string]cel.Program, len(defs)),
		hashes:   make(map[string]string, len(defs)),
		defs:     defs,
	}

	for _, def := range defs {
		ast, issues := env.Compile(def.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %s: compile: %v", ErrConfigDrift, def.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: %s: expression must yield bool, got %s", ErrConfigDrift, def.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: program: %v", ErrConfigDrift, def.Name, err)
		}
		qs.programs[def.Name] = prg
		qs.hashes[def.Name] = QueryHash(def.Expr)
	}
	return qs, nil
}

// QueryHash is the pin for a query expression.
func QueryHash(expr string) string {
	sum := sha256.Sum256([]byte(expr))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CheckDrift compares every compiled expression against its expected hash.
// Definitions without an expected hash are exempt (first deployment).
func (q *QuerySet) CheckDrift() error {
	for _, def := range q.defs {
		if def.ExpectedHash == "" {
			continue
		}
		if got := q.hashes[def.Name]; got != def.ExpectedHash {
			return fmt.Errorf("%w: %s: expression hash %s does not match pinned %s",
				ErrConfigDrift, def.Name, got, def.ExpectedHash)
		}
	}
	return nil
}

// Has reports whether a named query exists.
func (q *QuerySet) Has(name string) bool {
	_, ok := q.programs[name]
	return ok
}

// Match evaluates the named predicate against one sample. A missing query
// or a failed evaluation is a hard error: callers decide fail-closed.
func (q *QuerySet) Match(name, metric, sourceID string, value float64) (bool, error) {
	prg, ok := q.programs[name]
	if !ok {
		return false, fmt.Errorf("config: query %q not defined", name)
	}
	out, _, err := prg.Eval(map[string]any{
		"metric":    metric,
		"value":     value,
		"source_id": sourceID,
	})
	if err != nil {
		return false, fmt.Errorf("config: query %q: eval: %w", name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("config: query %q: result not bool", name)
	}
	return b, nil
}
