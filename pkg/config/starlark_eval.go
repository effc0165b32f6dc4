package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	// DefaultStarlarkTimeout bounds a single script evaluation.
	DefaultStarlarkTimeout = 10 * time.Second

	// defaultMaxSteps bounds the work a script may do regardless of wall time.
	defaultMaxSteps = 10_000_000
)

// StarlarkEvaluator evaluates .star configuration scripts. A script sees the
// configuration assembled so far as the frozen dict config and returns
// sections by binding top-level globals named after them (autoscaler,
// pipeline, gateway, policy, environment). Other globals are ignored.
//
// Scripts cannot load modules and their print output is discarded.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// StarlarkResult is the outcome of one script evaluation.
type StarlarkResult struct {
	// Sections maps a configuration section name to its plain Go value.
	Sections map[string]interface{}

	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A non-positive timeout selects
// DefaultStarlarkTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: defaultMaxSteps,
	}
}

// Evaluate runs the script src, reported as filename, with config bound as
// its input. The thread is cancelled when ctx is done or the timeout expires.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename string, src []byte, config map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	input, err := toStarlarkValue(config)
	if err != nil {
		return nil, fmt.Errorf("failed to convert script input: %w", err)
	}
	input.Freeze()

	thread := &starlark.Thread{
		Name:  "config:" + filepath.Base(filename),
		Print: func(*starlark.Thread, string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q): modules are not available to configuration scripts", module)
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct":      starlark.NewBuiltin("struct", starlarkstruct.Make),
		"config":      input,
		"requirement": starlark.NewBuiltin("requirement", requirementBuiltin),
		"merge":       starlark.NewBuiltin("merge", mergeBuiltin),
	}

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, err
	}

	sections := make(map[string]interface{})
	for name := range builtinDefinitions {
		if name == "config" {
			continue
		}
		val, ok := globals[name]
		if !ok || val == starlark.None {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("%s: section %s: %w", filename, name, err)
		}
		sections[name] = goVal
	}

	return &StarlarkResult{
		Sections:      sections,
		ExecutionTime: time.Since(start),
	}, nil
}

// requirementBuiltin builds a Karpenter node selector requirement:
//
//	requirement("karpenter.sh/capacity-type", "In", ["spot"])
func requirementBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, operator string
	var values *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "operator", &operator, "values?", &values); err != nil {
		return nil, err
	}

	d := starlark.NewDict(3)
	_ = d.SetKey(starlark.String("key"), starlark.String(key))
	_ = d.SetKey(starlark.String("operator"), starlark.String(operator))
	if values != nil {
		_ = d.SetKey(starlark.String("values"), values)
	}
	return d, nil
}

// mergeBuiltin deep-merges dicts left to right into a new dict. Later values
// win unless both sides are dicts.
func mergeBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	out := starlark.NewDict(0)
	for i, arg := range args {
		d, ok := arg.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %s, want dict", b.Name(), i+1, arg.Type())
		}
		if err := mergeInto(out, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func mergeInto(dst, src *starlark.Dict) error {
	for _, item := range src.Items() {
		k, v := item[0], item[1]
		if sub, ok := v.(*starlark.Dict); ok {
			existing, found, err := dst.Get(k)
			if err != nil {
				return err
			}
			if prev, isDict := existing.(*starlark.Dict); found && isDict {
				merged := starlark.NewDict(prev.Len())
				if err := mergeInto(merged, prev); err != nil {
					return err
				}
				if err := mergeInto(merged, sub); err != nil {
					return err
				}
				v = merged
			}
		}
		if err := dst.SetKey(k, v); err != nil {
			return err
		}
	}
	return nil
}

// starlarkErrors converts a script failure into located validation errors.
func starlarkErrors(filename string, err error) []ValidationError {
	var synErr syntax.Error
	var resolveErrs resolve.ErrorList
	var evalErr *starlark.EvalError

	switch {
	case errors.As(err, &resolveErrs):
		out := make([]ValidationError, 0, len(resolveErrs))
		for _, e := range resolveErrs {
			out = append(out, ValidationError{
				File:     e.Pos.Filename(),
				Line:     int(e.Pos.Line),
				Column:   int(e.Pos.Col),
				Message:  e.Msg,
				Severity: "error",
			})
		}
		return out
	case errors.As(err, &synErr):
		return []ValidationError{{
			File:     synErr.Pos.Filename(),
			Line:     int(synErr.Pos.Line),
			Column:   int(synErr.Pos.Col),
			Message:  synErr.Msg,
			Severity: "error",
		}}
	case errors.As(err, &evalErr):
		ve := ValidationError{
			File:     filename,
			Message:  evalErr.Msg,
			Severity: "error",
		}
		// Innermost frame in script code; builtins have no line.
		for i := range evalErr.CallStack {
			if pos := evalErr.CallStack.At(i).Pos; pos.Line > 0 {
				ve.File, ve.Line, ve.Column = pos.Filename(), int(pos.Line), int(pos.Col)
				break
			}
		}
		return []ValidationError{ve}
	default:
		return []ValidationError{{
			File:     filename,
			Message:  err.Error(),
			Severity: "error",
		}}
	}
}

// toStarlarkValue converts decoded JSON-like Go data to Starlark.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to plain Go data. Dict keys
// must be strings.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			goVal, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = goVal
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			goVal, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = goVal
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]interface{}, error) {
	out := make([]interface{}, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		goVal, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		out = append(out, goVal)
	}
	return out, nil
}
