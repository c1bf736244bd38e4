package render

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Context is the fixed set of values and capabilities a template sees.
type Context struct {
	Node     *inventory.Node
	Settings map[string]any
	System   *inventory.System

	Find      func(pattern string) ([]inventory.Target, error)
	GetNode   func(name string) (inventory.Target, error)
	GetSystem func(name string) (inventory.Target, error)
	Edge      func(source, dest string, attrs map[string]string)

	DynConf *DynamicConf
}

// Template returns a Func that renders HCL native template syntax
// ("${...}" interpolation and "%{...}" directives) against rc. Both the
// destination path and the template body are rendered.
func Template(rc Context) Func {
	return func(sourcePath, destPath string) (string, string, error) {
		src, err := os.ReadFile(sourcePath)
		if err != nil {
			return "", "", &VerifyError{Path: sourcePath, Err: err}
		}

		ectx, err := rc.evalContext()
		if err != nil {
			return "", "", &VerifyError{Path: sourcePath, Err: err}
		}

		text, err := evalTemplate(src, sourcePath, ectx)
		if err != nil {
			return "", "", &VerifyError{Path: sourcePath, Err: err}
		}

		if destPath != "" {
			destPath, err = evalTemplate([]byte(destPath), sourcePath+"#dest", ectx)
			if err != nil {
				return "", "", &VerifyError{Path: sourcePath, Err: fmt.Errorf("dest path: %w", err)}
			}
		}

		return destPath, text, nil
	}
}

func evalTemplate(src []byte, filename string, ectx *hcl.EvalContext) (string, error) {
	expr, diags := hclsyntax.ParseTemplate(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return "", diagError(diags)
	}

	val, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return "", diagError(diags)
	}
	if val.IsNull() {
		return "", nil
	}

	val, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("template result is not a string: %w", err)
	}
	if !val.IsKnown() {
		return "", fmt.Errorf("template result is unknown")
	}
	return val.AsString(), nil
}

// diagError surfaces a fatal error returned by a template function so
// callers can detect it with errors.As; anything else stays a diagnostics error.
func diagError(diags hcl.Diagnostics) error {
	for _, d := range diags {
		extra, ok := d.Extra.(hclsyntax.FunctionCallDiagExtra)
		if !ok {
			continue
		}
		if err := extra.FunctionCallError(); err != nil && IsFatal(err) {
			return fmt.Errorf("%s: %w", extra.CalledFunctionName(), err)
		}
	}
	return diags
}

func (rc Context) evalContext() (*hcl.EvalContext, error) {
	settings, err := toCty(rc.Settings)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	node, err := nodeValue(rc.Node)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	system, err := systemValue(rc.System)
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}

	funcs := map[string]function.Function{
		"find":       rc.findFunc(),
		"get_node":   rc.getFunc(rc.GetNode),
		"get_system": rc.getFunc(rc.GetSystem),
		"edge":       rc.edgeFunc(),

		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"join":       stdlib.JoinFunc,
		"split":      stdlib.SplitFunc,
		"replace":    stdlib.ReplaceFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"format":     stdlib.FormatFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"length":     stdlib.LengthFunc,
		"keys":       stdlib.KeysFunc,
		"lookup":     stdlib.LookupFunc,
		"contains":   stdlib.ContainsFunc,
		"concat":     stdlib.ConcatFunc,
		"sort":       stdlib.SortFunc,
		"distinct":   stdlib.DistinctFunc,
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"node":    node,
			"s":       settings,
			"system":  system,
			"dynconf": dynConfValue(rc.DynConf),
		},
		Functions: funcs,
	}, nil
}

func (rc Context) findFunc() function.Function {
	return function.New(&function.Spec{
		Description: "Returns the nodes whose full name matches a regular expression.",
		Params:      []function.Parameter{{Name: "pattern", Type: cty.String}},
		Type:        function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if rc.Find == nil {
				return cty.EmptyTupleVal, nil
			}
			hits, err := rc.Find(args[0].AsString())
			if err != nil {
				return cty.NilVal, err
			}
			vals := make([]cty.Value, 0, len(hits))
			for _, hit := range hits {
				v, err := targetValue(hit)
				if err != nil {
					return cty.NilVal, err
				}
				vals = append(vals, v)
			}
			return tupleVal(vals), nil
		},
	})
}

func (rc Context) getFunc(get func(string) (inventory.Target, error)) function.Function {
	return function.New(&function.Spec{
		Description: "Returns exactly one node or system matching a name.",
		Params:      []function.Parameter{{Name: "name", Type: cty.String}},
		Type:        function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if get == nil {
				return cty.NilVal, errors.New("lookup not available")
			}
			hit, err := get(args[0].AsString())
			if err != nil {
				return cty.NilVal, err
			}
			return targetValue(hit)
		},
	})
}

func (rc Context) edgeFunc() function.Function {
	return function.New(&function.Spec{
		Description: "Records an edge between two names; renders as an empty string.",
		Params: []function.Parameter{
			{Name: "source", Type: cty.String},
			{Name: "dest", Type: cty.String},
		},
		VarParam: &function.Parameter{Name: "attrs", Type: cty.DynamicPseudoType},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			attrs := make(map[string]string)
			for _, extra := range args[2:] {
				if extra.IsNull() {
					continue
				}
				if ty := extra.Type(); !ty.IsObjectType() && !ty.IsMapType() {
					return cty.NilVal, fmt.Errorf("edge attributes must be an object, got %s", ty.FriendlyName())
				}
				for it := extra.ElementIterator(); it.Next(); {
					k, v := it.Element()
					if v.IsNull() {
						attrs[k.AsString()] = ""
						continue
					}
					s, err := convert.Convert(v, cty.String)
					if err != nil {
						return cty.NilVal, fmt.Errorf("edge attribute %s: %w", k.AsString(), err)
					}
					attrs[k.AsString()] = s.AsString()
				}
			}
			if rc.Edge != nil {
				rc.Edge(args[0].AsString(), args[1].AsString(), attrs)
			}
			return cty.StringVal(""), nil
		},
	})
}
