package render

import (
	"fmt"
	"sort"
	"time"

	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/zclconf/go-cty/cty"
)

// toCty converts decoded YAML/TOML settings into a cty value. Maps become
// objects and slices become tuples so heterogeneous values survive.
func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return t, nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int32:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float32:
		return cty.NumberFloatVal(float64(t)), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case time.Time:
		return cty.StringVal(t.Format(time.RFC3339)), nil
	case []string:
		vals := make([]cty.Value, 0, len(t))
		for _, s := range t {
			vals = append(vals, cty.StringVal(s))
		}
		return tupleVal(vals), nil
	case []any:
		vals := make([]cty.Value, 0, len(t))
		for i, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			vals = append(vals, cv)
		}
		return tupleVal(vals), nil
	case map[string]string:
		attrs := make(map[string]cty.Value, len(t))
		for k, s := range t {
			attrs[k] = cty.StringVal(s)
		}
		return objectVal(attrs), nil
	case map[string]any:
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return objectVal(attrs), nil
	case map[any]any:
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%v: %w", k, err)
			}
			attrs[fmt.Sprint(k)] = cv
		}
		return objectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported settings value of type %T", v)
	}
}

func tupleVal(vals []cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(vals)
}

func objectVal(attrs map[string]cty.Value) cty.Value {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(attrs)
}

func nodeValue(n *inventory.Node) (cty.Value, error) {
	if n == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	settings, err := toCty(n.MergedSettings())
	if err != nil {
		return cty.NilVal, err
	}
	system := ""
	if n.System != nil {
		system = n.System.Name()
	}
	return cty.ObjectVal(map[string]cty.Value{
		"type":       cty.StringVal("node"),
		"name":       cty.StringVal(n.Name()),
		"short_name": cty.StringVal(n.ShortName),
		"host":       cty.StringVal(n.Host),
		"system":     cty.StringVal(system),
		"settings":   settings,
	}), nil
}

func systemValue(s *inventory.System) (cty.Value, error) {
	if s == nil {
		return cty.ObjectVal(map[string]cty.Value{
			"type":       cty.StringVal("system"),
			"name":       cty.StringVal(""),
			"short_name": cty.StringVal(""),
			"settings":   cty.EmptyObjectVal,
		}), nil
	}
	settings, err := toCty(s.MergedSettings())
	if err != nil {
		return cty.NilVal, err
	}
	return cty.ObjectVal(map[string]cty.Value{
		"type":       cty.StringVal("system"),
		"name":       cty.StringVal(s.Name()),
		"short_name": cty.StringVal(s.ShortName),
		"settings":   settings,
	}), nil
}

func targetValue(t inventory.Target) (cty.Value, error) {
	if t.Node != nil {
		return nodeValue(t.Node)
	}
	return systemValue(t.System)
}

func dynConfValue(d *DynamicConf) cty.Value {
	records := d.Records()
	vals := make([]cty.Value, 0, len(records))
	for _, r := range records {
		keys := make([]string, 0, len(r.Attrs))
		for k := range r.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make(map[string]cty.Value, len(keys))
		for _, k := range keys {
			attrs[k] = cty.StringVal(r.Attrs[k])
		}
		vals = append(vals, cty.ObjectVal(map[string]cty.Value{
			"type":   cty.StringVal(r.Kind),
			"source": cty.StringVal(r.Source),
			"dest":   cty.StringVal(r.Dest),
			"attrs":  objectVal(attrs),
		}))
	}
	return tupleVal(vals)
}
