package metrics

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/loupelabs/loupe/core/pkg/state"
)

// compileFormula builds a CEL program for a derived-metric expression.
// Every passthrough metric id is declared as a double variable; max() is
// available for clamped formulas like runway.
func compileFormula(formula string, vars []string) (cel.Program, error) {
	opts := []cel.EnvOption{
		cel.Function("max",
			cel.Overload("max_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					av, ok1 := a.(types.Double)
					bv, ok2 := b.(types.Double)
					if !ok1 || !ok2 {
						return types.NewErr("max: arguments must be double")
					}
					if av > bv {
						return av
					}
					return bv
				}),
			),
		),
	}
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(formula)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	return env.Program(ast)
}

// evalFormula evaluates a compiled formula against one bucket's sums.
// Missing variables default to 0; evaluation errors and non-finite results
// (division by zero) yield the metric's declared fallback.
func evalFormula(prg cel.Program, defs []state.MetricDef, sums map[string]float64, fallback float64) float64 {
	activation := make(map[string]any, len(defs))
	for _, def := range defs {
		if _, ok := passthroughField(def.Formula); !ok {
			continue
		}
		activation[def.ID] = sums[def.ID]
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return fallback
	}
	v, ok := out.Value().(float64)
	if !ok {
		return fallback
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}
