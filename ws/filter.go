package ws

import (
	"github.com/antonmedv/expr"
	"github.com/bridi/sealchat/filter"
	"github.com/bridi/sealchat/globals"
)

// CompileDeliveryFilter compiles a client-supplied filter expression into a
// per-frame predicate. The expression is compiled once at connect time against
// the fixed filter.Env shape; an empty expression means no filtering.
func CompileDeliveryFilter(code string) (func(*filter.Env) bool, error) {
	if code == "" {
		return nil, nil
	}
	prog, err := expr.Compile(code, expr.Env(filter.Env{}))
	if err != nil {
		return nil, err
	}
	return func(env *filter.Env) bool {
		res, err := expr.Run(prog, *env)
		if err != nil {
			globals.AppLogger.Error("could not run delivery filter", "error", err)
			return false
		}
		bRes, ok := res.(bool)
		return ok && bRes
	}, nil
}
