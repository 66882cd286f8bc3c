package script

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"tactus.dev/tactus/runtime/procedure/fault"
)

// raise throws err into the running script as a catchable table tagged with
// the fault kind. It does not return: gopher-lua unwinds to the nearest
// protected call.
func raise(L *lua.LState, err error) {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.New(fault.KindOf(err), "%s", err.Error())
	}
	tbl := L.NewTable()
	tbl.RawSetString("kind", lua.LString(fe.Kind))
	tbl.RawSetString("message", lua.LString(fe.Message))
	if len(fe.Detail) > 0 {
		tbl.RawSetString("detail", ToLua(L, fe.Detail))
	}
	L.Error(tbl, 1)
}

// faultFromLua reconstructs a fault from a tagged error table. Returns nil
// for anything that is not a table carrying a kind field.
func faultFromLua(v lua.LValue) *fault.Error {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	kind, ok := tbl.RawGetString("kind").(lua.LString)
	if !ok {
		return nil
	}
	msg, _ := tbl.RawGetString("message").(lua.LString)
	fe := fault.New(fault.Kind(kind), "%s", string(msg))
	if detail, ok := tbl.RawGetString("detail").(*lua.LTable); ok {
		if dv, err := FromLua(detail); err == nil {
			if m, ok := dv.(map[string]any); ok {
				fe.Detail = m
			}
		}
	}
	return fe
}

// decodeError maps an error recovered from a protected Lua call back onto the
// host taxonomy. Tagged tables round-trip losslessly; bare string errors are
// internal faults.
func decodeError(err error) error {
	if err == nil {
		return nil
	}
	var api *lua.ApiError
	if errors.As(err, &api) {
		if fe := faultFromLua(api.Object); fe != nil {
			return fe
		}
		return fault.New(fault.KindInternal, "script error: %s", strings.TrimSpace(api.Object.String()))
	}
	return fault.Wrap(fault.KindInternal, err, "script failed")
}

// runtimeError decodes err and reclassifies VM aborts caused by the context
// backstop: when the state machine stops mid-instruction the error surfaces
// as a plain string, but the done context names the real cause.
func runtimeError(ctx context.Context, err error) error {
	decoded := decodeError(err)
	if decoded == nil {
		return nil
	}
	if fault.Is(decoded, fault.KindInternal) && ctx.Err() != nil {
		kind := fault.KindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = fault.KindTimeout
		}
		return fault.Wrap(kind, ctx.Err(), "script interrupted")
	}
	return decoded
}
