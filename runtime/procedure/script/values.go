package script

import (
	lua "github.com/yuin/gopher-lua"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/state"
)

// ToLua converts a canonical JSON value (nil, bool, float64, string, []any,
// map[string]any) into its Lua equivalent. Values produced by state.Normalize
// and by journal decoding are always in canonical shape; other numeric types
// are accepted for convenience.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, elem := range val {
			tbl.RawSetInt(i+1, ToLua(L, elem))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for i, elem := range val {
			tbl.RawSetInt(i+1, lua.LString(elem))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, elem := range val {
			tbl.RawSetString(k, ToLua(L, elem))
		}
		return tbl
	default:
		// Uncanonical composites (structs, typed maps) go through the JSON
		// round-trip first.
		norm, err := state.Normalize(v)
		if err != nil {
			return lua.LNil
		}
		return ToLua(L, norm)
	}
}

// FromLua converts a Lua value into its canonical JSON shape. Tables with
// keys 1..n become []any; tables with string keys become map[string]any; an
// empty table is an empty map. Mixed or sparse keys, functions, userdata and
// cyclic tables are validation faults.
func FromLua(v lua.LValue) (any, error) {
	return fromLua(v, make(map[*lua.LTable]bool))
}

func fromLua(v lua.LValue, seen map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return fromTable(val, seen)
	default:
		return nil, fault.New(fault.KindValidation, "cannot convert %s to a JSON value", v.Type().String())
	}
}

func fromTable(t *lua.LTable, seen map[*lua.LTable]bool) (any, error) {
	if seen[t] {
		return nil, fault.New(fault.KindValidation, "cannot convert cyclic table")
	}
	seen[t] = true
	defer delete(seen, t)

	var (
		byName  map[string]any
		byIndex map[int]any
		maxIdx  int
		convErr error
	)
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		elem, err := fromLua(v, seen)
		if err != nil {
			convErr = err
			return
		}
		switch key := k.(type) {
		case lua.LString:
			if byName == nil {
				byName = make(map[string]any)
			}
			byName[string(key)] = elem
		case lua.LNumber:
			idx := int(key)
			if lua.LNumber(idx) != key || idx < 1 {
				convErr = fault.New(fault.KindValidation, "table index %v is not a positive integer", float64(key))
				return
			}
			if byIndex == nil {
				byIndex = make(map[int]any)
			}
			byIndex[idx] = elem
			if idx > maxIdx {
				maxIdx = idx
			}
		default:
			convErr = fault.New(fault.KindValidation, "table key of type %s is not representable", k.Type().String())
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	if byIndex != nil && byName != nil {
		return nil, fault.New(fault.KindValidation, "table mixes array and map keys")
	}
	if byIndex != nil {
		if maxIdx != len(byIndex) {
			return nil, fault.New(fault.KindValidation, "array table has holes (max index %d, %d elements)", maxIdx, len(byIndex))
		}
		out := make([]any, maxIdx)
		for i := 1; i <= maxIdx; i++ {
			out[i-1] = byIndex[i]
		}
		return out, nil
	}
	if byName == nil {
		return map[string]any{}, nil
	}
	return byName, nil
}
