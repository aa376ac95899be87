package gates

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/quantforge/eam/pkg/contracts/schemas"
)

var (
	exprEnvOnce sync.Once
	exprEnv     *cel.Env
	exprEnvErr  error

	exprMu    sync.Mutex
	exprCache = map[string]cel.Program{}
)

func metricExprEnv() (*cel.Env, error) {
	exprEnvOnce.Do(func() {
		exprEnv, exprEnvErr = cel.NewEnv(
			cel.Variable("metrics", cel.DynType),
			cel.Variable("thresholds", cel.DynType),
		)
	})
	return exprEnv, exprEnvErr
}

func compileMetricExpr(expr string) (cel.Program, error) {
	exprMu.Lock()
	defer exprMu.Unlock()
	if prg, ok := exprCache[expr]; ok {
		return prg, nil
	}
	env, err := metricExprEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	exprCache[expr] = prg
	return prg, nil
}

// metric_expr_v1 evaluates a suite-declared boolean expression over the
// dossier's baseline metrics. Compile or type errors fail closed.
func runMetricExpr(ctx *Context, params map[string]interface{}) schemas.GateResult {
	fail := func(reason string) schemas.GateResult {
		return schemas.GateResult{
			GateID:      "metric_expr_v1",
			GateVersion: "v1",
			Pass:        false,
			Status:      schemas.StatusError,
			Metrics:     map[string]interface{}{"error": reason},
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"metrics.json"}},
		}
	}

	expr, _ := params["expr"].(string)
	if expr == "" {
		return fail("metric_expr_v1 requires a non-empty params.expr string")
	}
	thresholds, _ := params["thresholds"].(map[string]interface{})
	if thresholds == nil {
		thresholds = map[string]interface{}{}
	}

	prg, err := compileMetricExpr(expr)
	if err != nil {
		return fail(err.Error())
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"metrics":    ctx.Metrics,
		"thresholds": thresholds,
	})
	if err != nil {
		return fail(fmt.Sprintf("eval: %v", err))
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return fail(fmt.Sprintf("expression must evaluate to bool, got %T", out.Value()))
	}

	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      "metric_expr_v1",
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics: map[string]interface{}{
			"expr":   expr,
			"result": passed,
		},
		Thresholds: thresholds,
		Evidence: &schemas.GateEvidence{
			Artifacts: []string{"metrics.json"},
			Notes:     "evaluates a CEL boolean expression against baseline metrics",
		},
	}
}
