package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/BaSui01/flowmesh/types"
)

// Env is the read-only variable environment an expression is evaluated
// against.
type Env struct {
	// Input is the execution input, exposed as input.*.
	Input map[string]any
	// Outputs maps completed node IDs to their outputs, exposed as
	// output.<node_id>.*.
	Outputs map[string]map[string]any
	// Context is the user-writable scratch carried through the
	// execution, exposed as context.*.
	Context map[string]any
	// Iteration is the loop counter; only valid when HasIteration is set.
	Iteration int
	// HasIteration marks that the expression runs inside a loop body.
	HasIteration bool
}

// Evaluate evaluates an expression and returns its value.
//
// Supported operators: comparison (== != > < >= <=, plus = as an alias
// for ==), logical (and or not, also && || !), arithmetic (+ - * /),
// membership (in), and dotted field access. Literals: numbers, double
// quoted strings, true, false, null.
func Evaluate(exprStr string, env *Env) (any, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return nil, exprError(exprStr, "empty expression")
	}

	tokens, err := tokenize(exprStr)
	if err != nil {
		return nil, exprError(exprStr, err.Error())
	}
	if len(tokens) == 0 {
		return nil, exprError(exprStr, "empty expression")
	}

	p := &parser{tokens: tokens, env: env}
	val, err := p.parseOr()
	if err != nil {
		return nil, exprError(exprStr, err.Error())
	}
	if p.pos < len(p.tokens) {
		return nil, exprError(exprStr, fmt.Sprintf("unexpected token %q", p.tokens[p.pos].value))
	}
	return val, nil
}

// EvaluateBool evaluates an expression and coerces the result to bool.
func EvaluateBool(exprStr string, env *Env) (bool, error) {
	val, err := Evaluate(exprStr, env)
	if err != nil {
		return false, err
	}
	return toBool(val), nil
}

// EvaluateNumber evaluates an expression and coerces the result to a
// float64. Non-numeric results are an expression error.
func EvaluateNumber(exprStr string, env *Env) (float64, error) {
	val, err := Evaluate(exprStr, env)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat64(val)
	if !ok {
		return 0, exprError(exprStr, fmt.Sprintf("result %v is not numeric", val))
	}
	return f, nil
}

// exprError wraps a reason into the engine error taxonomy.
func exprError(exprStr, reason string) *types.Error {
	return types.Errorf(types.ErrExpression, "expression %q: %s", exprStr, reason)
}

// --- Token types ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello"
	tkIdent                   // variable path, true/false/null, and/or/not/in
	tkOp                      // == != > < >= <= && || ! + - * / =
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
}

// --- Tokenizer ---

func tokenize(exprStr string) ([]token, error) {
	var tokens []token
	runes := []rune(exprStr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		if ch == '(' {
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		}

		if ch == '"' {
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
			continue
		}

		// Two-character operators
		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		switch ch {
		case '>', '<', '!', '+', '*', '/', '=':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		// '-' is a negative number prefix at an operand position,
		// otherwise subtraction.
		if ch == '-' {
			if i+1 < len(runes) && isDigit(runes[i+1]) && atOperandPosition(tokens) {
				num, n := readNumber(runes, i)
				tokens = append(tokens, token{tkNumber, num})
				i = n
				continue
			}
			tokens = append(tokens, token{tkOp, "-"})
			i++
			continue
		}

		if isDigit(ch) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
			continue
		}

		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = n
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	i := start + 1 // skip opening quote
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' && i+1 < len(runes) && isDigit(runes[i+1]) {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// atOperandPosition reports whether the next token starts an operand,
// which makes a following '-' a negative number prefix.
func atOperandPosition(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// --- Recursive descent parser ---
//
// Precedence, loosest first: or, and, comparison/in, additive,
// multiplicative, unary, primary.

type parser struct {
	tokens []token
	pos    int
	env    *Env
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) peekOp(values ...string) (string, bool) {
	t := p.peek()
	if t == nil {
		return "", false
	}
	for _, v := range values {
		if (t.kind == tkOp || t.kind == tkIdent) && t.value == v {
			return v, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||", "or"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = toBool(left) || toBool(right)
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&", "and"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = toBool(left) && toBool(right)
	}
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=", "=", "in"); ok {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if op == "in" {
			return evalMembership(left, right)
		}
		if op == "=" {
			op = "=="
		}
		return evalComparison(left, op, right), nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left, err = evalArithmetic(left, op, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*", "/")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = evalArithmetic(left, op, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.peekOp("!", "not"); ok {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !toBool(val), nil
	}
	if _, ok := p.peekOp("-"); ok {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		f, numeric := toFloat64(val)
		if !numeric {
			return nil, fmt.Errorf("cannot negate non-numeric value %v", val)
		}
		return -f, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)

	case tkString:
		p.advance()
		return t.value, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("operator %q used as value", t.value)
		default:
			return p.env.resolve(t.value)
		}

	case tkLParen:
		p.advance()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return val, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// --- Variable resolution ---

// resolve resolves a dotted variable path against the environment.
// Unknown roots and missing path components are errors, not nil, so
// typos in flow documents fail the node instead of passing silently.
func (e *Env) resolve(path string) (any, error) {
	parts := strings.Split(path, ".")
	root := parts[0]

	switch root {
	case "iteration":
		if len(parts) > 1 {
			return nil, fmt.Errorf("iteration has no fields")
		}
		if !e.HasIteration {
			return nil, fmt.Errorf("iteration referenced outside loop body")
		}
		return float64(e.Iteration), nil

	case "input":
		return walk(e.Input, parts[1:], path)

	case "context":
		return walk(e.Context, parts[1:], path)

	case "output":
		if len(parts) < 2 {
			return nil, fmt.Errorf("output requires a node id")
		}
		out, ok := e.Outputs[parts[1]]
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q: node %q has no output", path, parts[1])
		}
		return walk(out, parts[2:], path)

	default:
		return nil, fmt.Errorf("unresolved variable %q", path)
	}
}

// walk descends a map by the given path segments.
func walk(m map[string]any, parts []string, full string) (any, error) {
	var current any = m
	if current == nil {
		current = map[string]any{}
	}
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q: %v is not an object", full, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("unresolved variable %q: missing field %q", full, part)
		}
	}
	return current, nil
}

// --- Evaluation helpers ---

// evalMembership implements the "in" operator over arrays, strings, and
// object keys.
func evalMembership(left, right any) (bool, error) {
	switch container := right.(type) {
	case []any:
		for _, item := range container {
			if evalComparison(left, "==", item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(container, fmt.Sprintf("%v", left)), nil
	case map[string]any:
		key := fmt.Sprintf("%v", left)
		_, ok := container[key]
		return ok, nil
	default:
		return false, fmt.Errorf("right side of 'in' must be an array, string, or object, got %T", right)
	}
}

// evalArithmetic applies + - * / to two values. "+" concatenates when
// either operand is a string.
func evalArithmetic(left any, op string, right any) (any, error) {
	if op == "+" {
		_, lnum := toFloat64(left)
		_, rnum := toFloat64(right)
		_, lstr := left.(string)
		_, rstr := right.(string)
		if (lstr || rstr) && !(lnum && rnum) {
			return fmt.Sprintf("%v%v", left, right), nil
		}
	}

	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic %q requires numeric operands, got %v and %v", op, left, right)
	}

	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

// evalComparison compares two values. Numbers compare numerically,
// everything else falls back to string comparison. nil is less than any
// non-nil value; two nils are equal.
func evalComparison(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		switch op {
		case "!=":
			return true
		case "==":
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	if lb, lok := left.(bool); lok {
		if rb, rok := right.(bool); rok {
			switch op {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}

	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// toBool converts a value to boolean.
func toBool(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

// toFloat64 attempts to convert a value to float64. Strings are not
// implicitly numeric.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
