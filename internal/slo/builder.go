package slo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fractal-lba/releasegate/internal/api"
)

// KeyRule maps a well-known SLO key to the witness metric and operator that enforce it.
type KeyRule struct {
	Key    string
	Metric string
	Op     Operator
}

// KeyTable is the fixed, ordered SLO key table. Clause order in a default
// expression follows this table, not the order keys appear in the document.
var KeyTable = []KeyRule{
	{Key: "p95_ms", Metric: "latency_p95", Op: OpLE},
	{Key: "p99_ms", Metric: "latency_p99", Op: OpLE},
	{Key: "err_rate", Metric: "err_rate", Op: OpLE},
	{Key: "error_rate", Metric: "err_rate", Op: OpLE},
	{Key: "ai_citation_cov", Metric: "citation_cov", Op: OpGE},
	{Key: "ai_parity_delta", Metric: "parity_delta", Op: OpLE},
	{Key: "cost_krw", Metric: "cost_krw", Op: OpLE},
	{Key: "availability", Metric: "availability", Op: OpGE},
	{Key: "replay_hash_match", Metric: "replay_hash_match", Op: OpEQ},
}

// NoApplicableSLOError means a route has no key from KeyTable and no DSL,
// so nothing about it can be enforced.
type NoApplicableSLOError struct {
	RouteID string
	Keys    []string
}

func (e *NoApplicableSLOError) Error() string {
	return fmt.Sprintf("slo: route %q has no applicable SLO key (got %v)", e.RouteID, e.Keys)
}

// BuildDefaultExpression derives an AND-joined expression from the route's SLO targets.
func BuildDefaultExpression(route Route) (string, error) {
	var clauses []string
	for _, rule := range KeyTable {
		v, ok := route.SLO[rule.Key]
		if !ok {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", rule.Metric, rule.Op, formatNumber(v)))
	}
	if len(clauses) == 0 {
		keys := make([]string, 0, len(route.SLO))
		for k := range route.SLO {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", &NoApplicableSLOError{RouteID: route.RouteID, Keys: keys}
	}
	return strings.Join(clauses, " AND "), nil
}

// Expression returns the route's explicit DSL, or the default built from its SLO.
func Expression(route Route) (string, error) {
	if strings.TrimSpace(route.DSL) != "" {
		return route.DSL, nil
	}
	return BuildDefaultExpression(route)
}

// JudgeRoute evaluates one route against a witness. Parse and
// no-applicable-SLO errors are returned; missing metrics are failures.
func JudgeRoute(route Route, metrics map[string]float64) (api.Verdict, error) {
	expr, err := Expression(route)
	if err != nil {
		return api.Verdict{}, err
	}
	cmps, err := defaultCache.Parse(expr)
	if err != nil {
		return api.Verdict{}, err
	}

	ok, failures := Evaluate(cmps, metrics)
	result := api.Fail
	if ok {
		result = api.Pass
	}
	return api.Verdict{
		RouteID:    route.RouteID,
		Expression: expr,
		Result:     result,
		Failures:   failures,
	}, nil
}

// JudgeDocument judges every route. A route that cannot be judged is
// reported FAIL with the error as its only failure; other routes are unaffected.
func JudgeDocument(doc *Document, metrics map[string]float64) api.VerdictSet {
	routes := make(map[string]api.Verdict, len(doc.Routes))
	for _, route := range doc.Routes {
		v, err := JudgeRoute(route, metrics)
		if err != nil {
			expr, _ := Expression(route)
			v = api.Verdict{
				RouteID:    route.RouteID,
				Expression: expr,
				Result:     api.Fail,
				Failures:   []string{err.Error()},
			}
		}
		routes[route.RouteID] = v
	}
	return api.NewVerdictSet(routes)
}
