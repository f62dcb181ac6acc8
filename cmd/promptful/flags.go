package main

import (
	"fmt"
	"strings"
)

// cmdFlags holds the parsed arguments of one subcommand.
type cmdFlags struct {
	values map[string]string
	set    map[string]bool
	args   []string
}

// parseCmdFlags splits args into flags and positional arguments.
// valued names take a value ("-title x" or "-title=x"); switches take
// none. One or two leading dashes are accepted. A bare "--" ends flag
// parsing.
func parseCmdFlags(args []string, valued, switches []string) (cmdFlags, error) {
	f := cmdFlags{values: map[string]string{}, set: map[string]bool{}}
	isValued := make(map[string]bool, len(valued))
	for _, v := range valued {
		isValued[v] = true
	}
	isSwitch := make(map[string]bool, len(switches))
	for _, s := range switches {
		isSwitch[s] = true
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			f.args = append(f.args, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			f.args = append(f.args, a)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		switch {
		case isSwitch[name] && !hasValue:
			f.set[name] = true
		case isValued[name] && hasValue:
			f.values[name] = value
			f.set[name] = true
		case isValued[name] && i+1 < len(args):
			f.values[name] = args[i+1]
			f.set[name] = true
			i++
		case isValued[name]:
			return f, fmt.Errorf("flag -%s needs a value", name)
		default:
			return f, fmt.Errorf("unknown flag: %s", a)
		}
	}
	return f, nil
}

// list splits a comma-separated flag value.
func (f cmdFlags) list(name string) []string {
	var out []string
	for _, s := range strings.Split(f.values[name], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
