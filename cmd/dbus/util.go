package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/kr/pretty"

	dbus "github.com/danderson/dbusloop"
)

// parseArgs converts command line arguments of the form type:value
// to message arguments.
func parseArgs(args []string) ([]dbus.Value, error) {
	ret := make([]dbus.Value, 0, len(args))
	for _, arg := range args {
		v, err := parseArg(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func parseArg(arg string) (dbus.Value, error) {
	typ, val, ok := strings.Cut(arg, ":")
	if !ok || len(typ) != 1 {
		return dbus.String(arg), nil
	}

	parseInt := func(bits int) (int64, error) { return strconv.ParseInt(val, 0, bits) }
	parseUint := func(bits int) (uint64, error) { return strconv.ParseUint(val, 0, bits) }

	switch typ {
	case "s":
		return dbus.String(val), nil
	case "o":
		p := dbus.ObjectPath(val)
		return p, p.Valid()
	case "g":
		return dbus.ParseSignature(val)
	case "b":
		b, err := strconv.ParseBool(val)
		return dbus.Bool(b), err
	case "y":
		u, err := parseUint(8)
		return dbus.Byte(u), err
	case "n":
		i, err := parseInt(16)
		return dbus.Int16(i), err
	case "q":
		u, err := parseUint(16)
		return dbus.Uint16(u), err
	case "i":
		i, err := parseInt(32)
		return dbus.Int32(i), err
	case "u":
		u, err := parseUint(32)
		return dbus.Uint32(u), err
	case "x":
		i, err := parseInt(64)
		return dbus.Int64(i), err
	case "t":
		u, err := parseUint(64)
		return dbus.Uint64(u), err
	case "d":
		f, err := strconv.ParseFloat(val, 64)
		if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("non-finite double")
		}
		return dbus.Double(f), err
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

func nativeArgs(args []dbus.Value) []any {
	ret := make([]any, len(args))
	for i, a := range args {
		ret[i] = dbus.Native(a)
	}
	return ret
}

func compileFilter(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
}

// filterSignal reports whether sig passes the filter program. A nil
// filter passes everything.
func filterSignal(filter *vm.Program, sig *dbus.Signal) (bool, error) {
	if filter == nil {
		return true, nil
	}
	env := map[string]any{
		"sender":    sig.Sender,
		"path":      string(sig.Path),
		"interface": sig.Interface,
		"member":    sig.Member,
		"args":      nativeArgs(sig.Args),
	}
	out, err := vm.Run(filter, env)
	if err != nil {
		return false, err
	}
	ret, _ := out.(bool)
	return ret, nil
}

func printSignal(sig *dbus.Signal) {
	fmt.Printf("%s %s %s.%s\n", sig.Sender, sig.Path, sig.Interface, sig.Member)
	for _, a := range sig.Args {
		fmt.Printf("  %# v\n", pretty.Formatter(dbus.Native(a)))
	}
	if sig.Overflow {
		fmt.Println("  (signals dropped after this one)")
	}
}
