package resolve

import (
	"fmt"
	"math"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Formula evaluation runs on a CEL environment with no variables: every path
// reference has already been substituted by a numeric literal. All numbers
// are doubles so that mixed arithmetic type-checks.

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error

	programs sync.Map // formula string → cel.Program
)

func unaryDouble(name string, fn func(float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double",
			[]*cel.Type{cel.DoubleType},
			cel.DoubleType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				return types.Double(fn(float64(arg.(types.Double))))
			}),
		),
	)
}

func binaryDouble(name string, fn func(float64, float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double_double",
			[]*cel.Type{cel.DoubleType, cel.DoubleType},
			cel.DoubleType,
			cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
				return types.Double(fn(float64(lhs.(types.Double)), float64(rhs.(types.Double))))
			}),
		),
	)
}

func formulaEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			unaryDouble("floor", math.Floor),
			unaryDouble("ceil", math.Ceil),
			unaryDouble("round", math.Round),
			unaryDouble("abs", math.Abs),
			unaryDouble("trunc", math.Trunc),
			binaryDouble("min", math.Min),
			binaryDouble("max", math.Max),
		)
	})
	return env, envErr
}

// numberLiteral matches integer and decimal literals that are not part of an
// identifier.
var numberLiteral = regexp.MustCompile(`(^|[^\w.])(\d+)(\.\d+)?`)

// asDoubles rewrites integer literals to double literals ("3" → "3.0").
func asDoubles(expr string) string {
	return numberLiteral.ReplaceAllStringFunc(expr, func(m string) string {
		sub := numberLiteral.FindStringSubmatch(m)
		if sub[3] != "" {
			return m
		}
		return sub[1] + sub[2] + ".0"
	})
}

// EvalFormula evaluates an arithmetic expression over numeric literals.
// Supported: + - * /, parentheses, comparisons, && || !, the ternary
// operator and floor, ceil, round, abs, trunc, min, max. Booleans evaluate
// to 1 or 0.
func EvalFormula(expr string) (float64, error) {
	prg, err := compile(expr)
	if err != nil {
		return 0, err
	}
	out, _, err := prg.Eval(cel.NoVars())
	if err != nil {
		return 0, fmt.Errorf("resolve: evaluate %q: %w", expr, err)
	}
	var v float64
	switch x := out.(type) {
	case types.Double:
		v = float64(x)
	case types.Int:
		v = float64(x)
	case types.Bool:
		if x {
			v = 1
		}
	default:
		return 0, fmt.Errorf("resolve: evaluate %q: non-numeric result %v", expr, out.Type())
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("resolve: evaluate %q: result is not finite", expr)
	}
	return v, nil
}

func compile(expr string) (cel.Program, error) {
	if p, ok := programs.Load(expr); ok {
		return p.(cel.Program), nil
	}
	e, err := formulaEnv()
	if err != nil {
		return nil, fmt.Errorf("resolve: formula environment: %w", err)
	}
	ast, iss := e.Compile(asDoubles(expr))
	if iss.Err() != nil {
		return nil, fmt.Errorf("resolve: compile %q: %w", expr, iss.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("resolve: program %q: %w", expr, err)
	}
	programs.Store(expr, prg)
	return prg, nil
}
