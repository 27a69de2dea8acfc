// Package scriptctx is the sandboxed execution context for embedded
// <script type="text/x-capa"> preprocessing in problem markup.
//
// Scripts are line-oriented "name = expression" assignments evaluated with
// the calc grammar against an explicit seeded RNG. There is no access to the
// host environment; only the allow-listed functions below are callable, and
// execution is bounded by a hard step budget.
package scriptctx

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/opencapa/capa-engine/internal/calc"
)

// MaxSteps bounds the number of assignment statements executed per problem
// instance across all script blocks.
const MaxSteps = 1000

// Context holds the variables computed by preprocessing plus the seeded RNG
// exposed to scripts. The same context is consulted by response types (for
// $var substitution in answers) and by custom checkers.
type Context struct {
	vars  map[string]complex128
	funcs map[string]calc.Function
	rng   *rand.Rand
	steps int
}

// New builds a context seeded with the problem's random seed. The RNG is
// owned by the context and never process-global.
func New(seed int64) *Context {
	c := &Context{
		vars:  map[string]complex128{},
		funcs: calc.DefaultFunctions(),
		rng:   rand.New(rand.NewSource(seed)),
	}
	c.funcs["random"] = func(args []complex128) (complex128, error) {
		if len(args) != 0 {
			return 0, fmt.Errorf("%w: random takes no arguments", calc.ErrInvalidInput)
		}
		return complex(c.rng.Float64(), 0), nil
	}
	c.funcs["uniform"] = func(args []complex128) (complex128, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("%w: uniform takes 2 arguments", calc.ErrInvalidInput)
		}
		lo, hi := real(args[0]), real(args[1])
		return complex(lo+c.rng.Float64()*(hi-lo), 0), nil
	}
	c.funcs["randint"] = func(args []complex128) (complex128, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("%w: randint takes 2 arguments", calc.ErrInvalidInput)
		}
		lo, hi := int(real(args[0])), int(real(args[1]))
		if hi < lo {
			return 0, fmt.Errorf("%w: randint range is empty", calc.ErrInvalidInput)
		}
		return complex(float64(lo+c.rng.Intn(hi-lo+1)), 0), nil
	}
	c.funcs["choice"] = func(args []complex128) (complex128, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("%w: choice needs at least one argument", calc.ErrInvalidInput)
		}
		return args[c.rng.Intn(len(args))], nil
	}
	c.funcs["round"] = func(args []complex128) (complex128, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%w: round takes 1 argument", calc.ErrInvalidInput)
		}
		return complex(math.Round(real(args[0])), 0), nil
	}
	return c
}

// Exec runs one script body. Blank lines and '#' comments are skipped; every
// other line must be "name = expression". Later assignments may reference
// earlier ones.
func (c *Context) Exec(code string) error {
	for ln, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c.steps++
		if c.steps > MaxSteps {
			return fmt.Errorf("script exceeded %d statements", MaxSteps)
		}
		name, expr, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("script line %d: expected assignment, got %q", ln+1, line)
		}
		name = strings.TrimSpace(name)
		if !validName(name) {
			return fmt.Errorf("script line %d: bad variable name %q", ln+1, name)
		}
		v, err := calc.Evaluate(c.vars, c.funcs, strings.TrimSpace(expr), false)
		if err != nil {
			return fmt.Errorf("script line %d: %w", ln+1, err)
		}
		c.vars[name] = v
	}
	return nil
}

// Var returns a context variable.
func (c *Context) Var(name string) (complex128, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// SetVar binds a variable, shadowing any script-computed value.
func (c *Context) SetVar(name string, v complex128) { c.vars[name] = v }

// Vars returns a copy of the variable bindings.
func (c *Context) Vars() map[string]complex128 {
	out := make(map[string]complex128, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Funcs returns the callable table (allow-listed functions plus RNG).
func (c *Context) Funcs() map[string]calc.Function { return c.funcs }

// Evaluate evaluates an expression against this context.
func (c *Context) Evaluate(expr string, caseInsensitive bool) (complex128, error) {
	return calc.Evaluate(c.vars, c.funcs, expr, caseInsensitive)
}

// Substitute replaces $name references in text with the formatted variable
// values, longest names first so $ab wins over $a.
func (c *Context) Substitute(text string) string {
	if text == "" || !strings.Contains(text, "$") {
		return text
	}
	names := make([]string, 0, len(c.vars))
	for k := range c.vars {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		text = strings.ReplaceAll(text, "$"+name, FormatValue(c.vars[name]))
	}
	return text
}

// FormatValue renders a value the way it should appear in markup and
// canonical answers: plain float for reals, "a+b*j" for complex.
func FormatValue(v complex128) string {
	if imag(v) == 0 {
		return strconv.FormatFloat(real(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%.7g%+.7g*j", real(v), imag(v))
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
