package slo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator is one of the six comparison operators the gate language accepts.
type Operator string

const (
	OpLE Operator = "<="
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpGT Operator = ">"
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Comparison is one `metric op number` clause. Produced only by Parse.
type Comparison struct {
	Left  string
	Op    Operator
	Right float64
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, formatNumber(c.Right))
}

// holds reports whether actual satisfies the comparison.
func (c Comparison) holds(actual float64) bool {
	switch c.Op {
	case OpLE:
		return actual <= c.Right
	case OpLT:
		return actual < c.Right
	case OpGE:
		return actual >= c.Right
	case OpGT:
		return actual > c.Right
	case OpEQ:
		return actual == c.Right
	case OpNE:
		return actual != c.Right
	}
	return false
}

// ParseError reports a malformed expression. No partial result accompanies it.
type ParseError struct {
	Expr   string
	Clause string
	Index  int // clause index, -1 when the whole expression is at fault
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("slo: parse %q: %s", e.Expr, e.Msg)
	}
	return fmt.Sprintf("slo: parse %q: clause %d %q: %s", e.Expr, e.Index, e.Clause, e.Msg)
}

// Parse turns an AND-joined expression into its comparisons.
//
// Grammar (no OR, no parentheses):
//
//	expr    = clause { "AND" clause }
//	clause  = ident op number
//	ident   = [A-Za-z_][A-Za-z0-9_.]*
//	op      = "<=" | ">=" | "==" | "!=" | "<" | ">"
//	number  = [+-]? ( digits [ "." digits? ] | "." digits )
//
// AND is matched case-insensitively and only as a whitespace-delimited word.
func Parse(expr string) ([]Comparison, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &ParseError{Expr: expr, Index: -1, Msg: "empty expression"}
	}

	clauses := splitClauses(expr)
	out := make([]Comparison, 0, len(clauses))
	for i, clause := range clauses {
		cmp, msg := parseClause(clause)
		if msg != "" {
			return nil, &ParseError{Expr: expr, Clause: clause, Index: i, Msg: msg}
		}
		out = append(out, cmp)
	}
	return out, nil
}

func splitClauses(expr string) []string {
	var clauses []string
	var cur []string
	for _, word := range strings.Fields(expr) {
		if strings.EqualFold(word, "AND") {
			clauses = append(clauses, strings.Join(cur, " "))
			cur = cur[:0]
			continue
		}
		cur = append(cur, word)
	}
	return append(clauses, strings.Join(cur, " "))
}

// parseClause returns a non-empty message when the clause is malformed.
func parseClause(s string) (Comparison, string) {
	lx := lexer{src: s}
	lx.skipSpace()
	if lx.done() {
		return Comparison{}, "empty clause"
	}

	ident, ok := lx.ident()
	if !ok {
		return Comparison{}, "expected metric identifier"
	}
	lx.skipSpace()

	op, ok := lx.operator()
	if !ok {
		return Comparison{}, "expected one of <=, <, >=, >, ==, !="
	}
	lx.skipSpace()

	num, ok := lx.number()
	if !ok {
		return Comparison{}, "expected number"
	}
	lx.skipSpace()

	if !lx.done() {
		return Comparison{}, fmt.Sprintf("unexpected trailing input %q", lx.src[lx.pos:])
	}
	return Comparison{Left: ident, Op: op, Right: num}, ""
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) done() bool { return l.pos >= len(l.src) }

func (l *lexer) peek() byte {
	if l.done() {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) skipSpace() {
	for !l.done() && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) ident() (string, bool) {
	start := l.pos
	c := l.peek()
	if !(isLetter(c) || c == '_') {
		return "", false
	}
	l.pos++
	for !l.done() {
		c = l.peek()
		if isLetter(c) || isDigit(c) || c == '_' || c == '.' {
			l.pos++
			continue
		}
		break
	}
	return l.src[start:l.pos], true
}

func (l *lexer) operator() (Operator, bool) {
	rest := l.src[l.pos:]
	for _, op := range []Operator{OpLE, OpGE, OpEQ, OpNE, OpLT, OpGT} {
		if strings.HasPrefix(rest, string(op)) {
			l.pos += len(op)
			return op, true
		}
	}
	return "", false
}

func (l *lexer) number() (float64, bool) {
	start := l.pos
	if c := l.peek(); c == '+' || c == '-' {
		l.pos++
	}
	intDigits := l.digits()
	fracDigits := 0
	if l.peek() == '.' {
		l.pos++
		fracDigits = l.digits()
	}
	if intDigits == 0 && fracDigits == 0 {
		l.pos = start
		return 0, false
	}
	v, err := strconv.ParseFloat(l.src[start:l.pos], 64)
	if err != nil {
		l.pos = start
		return 0, false
	}
	return v, true
}

func (l *lexer) digits() int {
	n := 0
	for !l.done() && isDigit(l.peek()) {
		l.pos++
		n++
	}
	return n
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

// Evaluate applies every comparison to metrics. It never stops at the first
// failure: each missing metric and each failed comparison adds one entry.
func Evaluate(cmps []Comparison, metrics map[string]float64) (bool, []string) {
	failures := []string{}
	for _, c := range cmps {
		actual, ok := metrics[c.Left]
		if !ok {
			failures = append(failures, c.Left+" missing")
			continue
		}
		if !c.holds(actual) {
			failures = append(failures, fmt.Sprintf("%s (actual=%s)", c.String(), formatNumber(actual)))
		}
	}
	return len(failures) == 0, failures
}

// formatNumber prints floats the way the witness tooling does: integral
// values keep a trailing ".0", everything else uses the shortest plain
// decimal form. The output is always accepted by Parse.
func formatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
