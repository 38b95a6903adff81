package script

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/model"
)

// Matches reports whether a Section satisfies a Pattern.
func Matches(pat Pattern, s *model.Section) bool {
	switch p := pat.(type) {
	case NamePattern:
		return s.Name == p.Name
	case AnyPattern:
		return true
	case AttrPattern:
		switch p.Attr {
		case "exec":
			return s.Flags.Has(model.Executable)
		case "write":
			return s.Flags.Has(model.Writable)
		case "zero":
			return s.Flags.Has(model.ZeroFilled)
		}
		return false
	case NotPattern:
		return !Matches(p.Inner, s)
	case OrPattern:
		return Matches(p.Left, s) || Matches(p.Right, s)
	case AndPattern:
		return Matches(p.Left, s) && Matches(p.Right, s)
	default:
		return false
	}
}

// EvalContext supplies the dynamic values an Expr may reference: plugin
// parameters (`?name?`) and the current write cursor (`here`).
type EvalContext interface {
	Param(name string) (int64, bool)
	Here() int64
}

// Eval computes an Expr's integer value against ctx.
func Eval(e Expr, ctx EvalContext) (int64, error) {
	switch expr := e.(type) {
	case IntLiteral:
		return expr.Value, nil
	case ParamRef:
		v, ok := ctx.Param(expr.Name)
		if !ok {
			return 0, fmt.Errorf("script: undefined parameter ?%s?", expr.Name)
		}
		return v, nil
	case HereExpr:
		return ctx.Here(), nil
	case AlignExpr:
		value, err := Eval(expr.Value, ctx)
		if err != nil {
			return 0, err
		}
		boundary, err := Eval(expr.Boundary, ctx)
		if err != nil {
			return 0, err
		}
		if boundary <= 0 || boundary&(boundary-1) != 0 {
			return 0, fmt.Errorf("script: align() boundary %d is not a power of two", boundary)
		}
		return (value + boundary - 1) &^ (boundary - 1), nil
	case AddExpr:
		left, err := Eval(expr.Left, ctx)
		if err != nil {
			return 0, err
		}
		right, err := Eval(expr.Right, ctx)
		if err != nil {
			return 0, err
		}
		return left + right, nil
	default:
		return 0, fmt.Errorf("script: cannot evaluate expression of type %T", e)
	}
}
