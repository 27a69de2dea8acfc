// Package calc evaluates instructor and student math expressions.
//
// The grammar covers numeric literals with SI-style suffixes, the four
// arithmetic operators, right-associative exponentiation, parentheses,
// named variables and functions, and the parallel-resistance operator
// ("a||b" == 1/(1/a+1/b), n-ary). Everything is computed in complex128.
package calc

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"strconv"
	"strings"
)

// ErrInvalidInput classifies every student-facing evaluation failure
// (syntax error, unknown name, division by zero). Callers show a single
// "invalid input" message instead of the underlying detail.
var ErrInvalidInput = errors.New("invalid input")

// UndefinedVariable reports a name that is not bound in the evaluation
// context. It still unwraps to ErrInvalidInput for the student-facing path.
type UndefinedVariable struct{ Name string }

func (e UndefinedVariable) Error() string { return "undefined variable: " + e.Name }
func (e UndefinedVariable) Unwrap() error { return ErrInvalidInput }

// Function is a named callable usable inside expressions.
type Function func(args []complex128) (complex128, error)

// suffixes maps SI-style literal suffixes to multipliers.
var suffixes = map[byte]float64{
	'%': 1e-2,
	'k': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
	'c': 1e-2,
	'm': 1e-3,
	'u': 1e-6,
	'n': 1e-9,
	'p': 1e-12,
}

// DefaultFunctions returns the built-in unary function table.
func DefaultFunctions() map[string]Function {
	unary := func(f func(complex128) complex128) Function {
		return func(args []complex128) (complex128, error) {
			if len(args) != 1 {
				return 0, fmt.Errorf("%w: expected 1 argument", ErrInvalidInput)
			}
			return f(args[0]), nil
		}
	}
	return map[string]Function{
		"sin":    unary(cmplx.Sin),
		"cos":    unary(cmplx.Cos),
		"tan":    unary(cmplx.Tan),
		"sinh":   unary(cmplx.Sinh),
		"cosh":   unary(cmplx.Cosh),
		"tanh":   unary(cmplx.Tanh),
		"arcsin": unary(cmplx.Asin),
		"arccos": unary(cmplx.Acos),
		"arctan": unary(cmplx.Atan),
		"sqrt":   unary(cmplx.Sqrt),
		"exp":    unary(cmplx.Exp),
		"abs":    unary(func(z complex128) complex128 { return complex(cmplx.Abs(z), 0) }),
		"ln":     unary(cmplx.Log),
		"log":    unary(cmplx.Log),
		"log10":  unary(cmplx.Log10),
		"log2": unary(func(z complex128) complex128 {
			return cmplx.Log(z) / complex(math.Log(2), 0)
		}),
		"fact": unary(func(z complex128) complex128 {
			n := real(z)
			out := 1.0
			for i := 2.0; i <= n; i++ {
				out *= i
			}
			return complex(out, 0)
		}),
	}
}

// defaultConstants are bound unless shadowed by caller-supplied variables.
var defaultConstants = map[string]complex128{
	"pi": complex(math.Pi, 0),
	"e":  complex(math.E, 0),
	"j":  complex(0, 1),
	"i":  complex(0, 1),
	"c":  complex(2.998e8, 0),
	"T":  complex(298.15, 0),
}

// Evaluate parses and evaluates expr against the given variables and
// functions. Variable lookup is case-insensitive when caseInsensitive is set
// (used for student formula answers, matching instructor convention).
func Evaluate(variables map[string]complex128, functions map[string]Function, expr string, caseInsensitive bool) (complex128, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrInvalidInput)
	}
	toks, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &parser{
		toks:  toks,
		vars:  variables,
		funcs: functions,
		ci:    caseInsensitive,
	}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if !p.atEnd() {
		return 0, fmt.Errorf("%w: unexpected %q", ErrInvalidInput, p.peek().text)
	}
	if cmplx.IsNaN(v) || cmplx.IsInf(v) {
		return 0, fmt.Errorf("%w: result is not finite", ErrInvalidInput)
	}
	return v, nil
}

// EvaluateReal is Evaluate for contexts that only deal in reals (tolerances,
// script assignments). A significant imaginary part is an error.
func EvaluateReal(variables map[string]complex128, functions map[string]Function, expr string, caseInsensitive bool) (float64, error) {
	v, err := Evaluate(variables, functions, expr, caseInsensitive)
	if err != nil {
		return 0, err
	}
	if math.Abs(imag(v)) > 1e-12*math.Max(1, math.Abs(real(v))) {
		return 0, fmt.Errorf("%w: expected a real value", ErrInvalidInput)
	}
	return real(v), nil
}

// --- tokenizer ---

type tokKind int

const (
	tokNum tokKind = iota
	tokName
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	i := 0
	n := len(expr)
	for i < n {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch >= '0' && ch <= '9' || ch == '.':
			j := i
			seenE := false
			for j < n {
				c := expr[j]
				if c >= '0' && c <= '9' || c == '.' {
					j++
					continue
				}
				// exponent part: e/E followed by optional sign and a digit
				if (c == 'e' || c == 'E') && !seenE && j+1 < n {
					k := j + 1
					if expr[k] == '+' || expr[k] == '-' {
						k++
					}
					if k < n && expr[k] >= '0' && expr[k] <= '9' {
						seenE = true
						j = k
						continue
					}
				}
				break
			}
			f, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrInvalidInput, expr[i:j])
			}
			// SI suffix directly after the literal. Suffix letters also
			// start names, so only consume one when it is not the head of
			// a longer identifier ("2k" yes, "2kg" no).
			if j < n {
				if mult, ok := suffixes[expr[j]]; ok {
					if expr[j] == '%' || j+1 >= n || !isNameChar(expr[j+1], true) {
						f *= mult
						j++
					}
				}
			}
			toks = append(toks, token{kind: tokNum, num: f})
			i = j
		case isNameChar(ch, false):
			j := i
			for j < n && isNameChar(expr[j], true) {
				j++
			}
			toks = append(toks, token{kind: tokName, text: expr[i:j]})
			i = j
		case ch == '|' && i+1 < n && expr[i+1] == '|':
			toks = append(toks, token{kind: tokOp, text: "||"})
			i += 2
		case strings.IndexByte("+-*/^(),", ch) >= 0:
			toks = append(toks, token{kind: tokOp, text: string(ch)})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidInput, string(ch))
		}
	}
	return toks, nil
}

func isNameChar(c byte, digitsOK bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' {
		return true
	}
	return digitsOK && c >= '0' && c <= '9'
}

// --- parser ---

type parser struct {
	toks  []token
	pos   int
	vars  map[string]complex128
	funcs map[string]Function
	ci    bool
}

func (p *parser) atEnd() bool    { return p.pos >= len(p.toks) }
func (p *parser) peek() token    { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) acceptOp(op string) bool {
	if !p.atEnd() && p.peek().kind == tokOp && p.peek().text == op {
		p.pos++
		return true
	}
	return false
}

// expr := parallel (('+'|'-') parallel)*
func (p *parser) parseExpr() (complex128, error) {
	v, err := p.parseParallel()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.acceptOp("+"):
			rhs, err := p.parseParallel()
			if err != nil {
				return 0, err
			}
			v += rhs
		case p.acceptOp("-"):
			rhs, err := p.parseParallel()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

// parallel := term ('||' term)*
func (p *parser) parseParallel() (complex128, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	if p.atEnd() || p.peek().kind != tokOp || p.peek().text != "||" {
		return v, nil
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrInvalidInput)
	}
	sum := 1 / v
	for p.acceptOp("||") {
		rhs, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if rhs == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrInvalidInput)
		}
		sum += 1 / rhs
	}
	if sum == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrInvalidInput)
	}
	return 1 / sum, nil
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (complex128, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.acceptOp("*"):
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case p.acceptOp("/"):
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrInvalidInput)
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

// unary := ('+'|'-')* power
func (p *parser) parseUnary() (complex128, error) {
	neg := false
	for {
		if p.acceptOp("-") {
			neg = !neg
			continue
		}
		if p.acceptOp("+") {
			continue
		}
		break
	}
	v, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	if neg {
		// 0-v, not -v: negating a +0 imaginary part yields -0, which puts
		// real arguments on the wrong side of the sqrt/log branch cuts
		v = 0 - v
	}
	return v, nil
}

// power := atom ('^' unary)?   (right-associative)
func (p *parser) parsePower() (complex128, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	if p.acceptOp("^") {
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return cmplx.Pow(base, exp), nil
	}
	return base, nil
}

func (p *parser) parseAtom() (complex128, error) {
	if p.atEnd() {
		return 0, fmt.Errorf("%w: unexpected end of expression", ErrInvalidInput)
	}
	t := p.advance()
	switch t.kind {
	case tokNum:
		return complex(t.num, 0), nil
	case tokOp:
		if t.text == "(" {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			if !p.acceptOp(")") {
				return 0, fmt.Errorf("%w: expected )", ErrInvalidInput)
			}
			return v, nil
		}
		return 0, fmt.Errorf("%w: unexpected %q", ErrInvalidInput, t.text)
	case tokName:
		// function call?
		if !p.atEnd() && p.peek().kind == tokOp && p.peek().text == "(" {
			p.advance()
			var args []complex128
			if !p.acceptOp(")") {
				for {
					a, err := p.parseExpr()
					if err != nil {
						return 0, err
					}
					args = append(args, a)
					if p.acceptOp(",") {
						continue
					}
					if p.acceptOp(")") {
						break
					}
					return 0, fmt.Errorf("%w: expected , or )", ErrInvalidInput)
				}
			}
			fn, ok := p.lookupFunc(t.text)
			if !ok {
				return 0, fmt.Errorf("unknown function %q: %w", t.text, ErrInvalidInput)
			}
			return fn(args)
		}
		if v, ok := p.lookupVar(t.text); ok {
			return v, nil
		}
		return 0, UndefinedVariable{Name: t.text}
	}
	return 0, fmt.Errorf("%w: bad token", ErrInvalidInput)
}

func (p *parser) lookupVar(name string) (complex128, bool) {
	if v, ok := p.vars[name]; ok {
		return v, true
	}
	if p.ci {
		for k, v := range p.vars {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	if v, ok := defaultConstants[name]; ok {
		return v, true
	}
	if p.ci {
		for k, v := range defaultConstants {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return 0, false
}

func (p *parser) lookupFunc(name string) (Function, bool) {
	if f, ok := p.funcs[name]; ok {
		return f, true
	}
	if p.ci {
		for k, f := range p.funcs {
			if strings.EqualFold(k, name) {
				return f, true
			}
		}
	}
	return nil, false
}
