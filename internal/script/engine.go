// Package script implements the CompiledExpression capability on top of an
// embedded expression engine. Compiled programs are memoized by source text
// so access conditions and hooks pay the compilation cost once per process.
package script

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"corestore/pkg/domain"
)

// Error wraps a compilation or evaluation failure of user-authored
// expression source.
type Error struct {
	Source string
	Err    error
}

func (e Error) Error() string {
	src := e.Source
	if len(src) > 60 {
		src = src[:57] + "..."
	}
	return fmt.Sprintf("script %q: %v", src, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Engine compiles and caches expression programs.
type Engine struct {
	programs *lru.Cache[string, *vm.Program]
}

// DefaultCacheSize bounds the number of memoized programs.
const DefaultCacheSize = 1024

// NewEngine constructs an engine with a bounded program cache. A size of
// zero or below falls back to DefaultCacheSize.
func NewEngine(size int) *Engine {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *vm.Program](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Engine{programs: cache}
}

// Compiled is a ready-to-run expression program.
type Compiled struct {
	source  string
	program *vm.Program
}

var _ domain.CompiledExpression = (*Compiled)(nil)

// Source returns the original expression text.
func (c *Compiled) Source() string { return c.source }

// Evaluate runs the program against the given environment.
func (c *Compiled) Evaluate(env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return nil, Error{Source: c.source, Err: err}
	}
	return out, nil
}

// Compile compiles expression source, reusing a memoized program when the
// same source was compiled before.
func (e *Engine) Compile(source string) (*Compiled, error) {
	if program, ok := e.programs.Get(source); ok {
		return &Compiled{source: source, program: program}, nil
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, Error{Source: source, Err: err}
	}
	e.programs.Add(source, program)
	return &Compiled{source: source, program: program}, nil
}

// Eval compiles (or reuses) and evaluates source in one step.
func (e *Engine) Eval(source string, env map[string]any) (any, error) {
	compiled, err := e.Compile(source)
	if err != nil {
		return nil, err
	}
	return compiled.Evaluate(env)
}

// Truthy interprets an expression result as a boolean outcome: nil and
// false are falsy, empty strings are falsy, everything else is truthy.
func Truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	default:
		return true
	}
}
