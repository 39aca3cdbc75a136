package tele

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// condition is a breakpoint condition, a Starlark expression evaluated
// each time the breakpoint is hit. The expression can refer to thread_id,
// thread_name, address and hit_count.
type condition struct {
	src  string
	expr syntax.Expr
}

func compileCondition(src string) (*condition, error) {
	expr, err := syntax.ParseExpr("<condition>", src, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid breakpoint condition %q: %w", src, err)
	}
	return &condition{src: src, expr: expr}, nil
}

func (c *condition) String() string {
	return c.src
}

// evalBreakpointCondition returns true if the breakpoint should stop the
// thread. A condition that can not be evaluated stops the thread and the
// error is returned along with true.
func evalBreakpointCondition(c *condition, thread *Thread, hitCount uint64) (bool, error) {
	if c == nil {
		return true, nil
	}
	env := starlark.StringDict{
		"thread_id":   starlark.MakeInt64(int64(thread.ID())),
		"thread_name": starlark.String(thread.Name()),
		"address":     starlark.MakeUint64(uint64(thread.IP())),
		"hit_count":   starlark.MakeUint64(hitCount),
	}
	sthread := &starlark.Thread{Name: "breakpoint condition"}
	v, err := starlark.EvalExpr(sthread, c.expr, env)
	if err != nil {
		return true, fmt.Errorf("error evaluating expression: %v", err)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return true, errors.New("condition expression not boolean")
	}
	return bool(b), nil
}
