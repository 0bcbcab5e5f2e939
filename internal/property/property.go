// Package property evaluates typed value sources against a request
// envelope: literals, environment variables, envelope fields and
// expr-lang expressions.
package property

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Type names where a property's value comes from.
type Type string

const (
	TypeStr  Type = "str"  // literal text
	TypeNum  Type = "num"  // literal number
	TypeEnv  Type = "env"  // environment variable name
	TypeMsg  Type = "msg"  // dotted path into the envelope, e.g. "target.host"
	TypeExpr Type = "expr" // expr-lang expression over msg
)

// Property is a compiled value source.  It is safe for concurrent use.
type Property struct {
	Value string
	Type  Type

	program *vm.Program
}

// Compile validates typ and pre-compiles msg and expr sources.
func Compile(value, typ string) (*Property, error) {
	t := Type(strings.ToLower(strings.TrimSpace(typ)))
	if t == "" {
		t = TypeStr
	}
	p := &Property{Value: value, Type: t}

	switch t {
	case TypeStr, TypeEnv:
	case TypeNum:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil && value != "" {
			return nil, fmt.Errorf("property %q: not a number", value)
		}
	case TypeMsg, TypeExpr:
		source := value
		if t == TypeMsg {
			source = "msg." + strings.TrimPrefix(value, "msg.")
		}
		program, err := expr.Compile(source, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("property %q: compile: %w", value, err)
		}
		p.program = program
	default:
		return nil, fmt.Errorf("unknown property type %q", typ)
	}
	return p, nil
}

// Eval resolves the property for one envelope.
func (p *Property) Eval(msg map[string]interface{}) (interface{}, error) {
	switch p.Type {
	case TypeEnv:
		return os.Getenv(p.Value), nil
	case TypeNum:
		return strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
	case TypeMsg, TypeExpr:
		if msg == nil {
			msg = map[string]interface{}{}
		}
		out, err := vm.Run(p.program, map[string]interface{}{"msg": msg})
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Value, err)
		}
		return out, nil
	default:
		return p.Value, nil
	}
}

// String resolves the property as text.  A missing value yields "".
func (p *Property) String(msg map[string]interface{}) (string, error) {
	v, err := p.Eval(msg)
	if err != nil || v == nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// Int resolves the property as an integer, accepting numeric strings.
func (p *Property) Int(msg map[string]interface{}) (int, error) {
	v, err := p.Eval(msg)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("property %q: no value", p.Value)
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("property %q: %v is not an integer", p.Value, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("property %q: %q is not an integer", p.Value, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("property %q: unsupported value %T", p.Value, v)
	}
}
