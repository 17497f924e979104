// Package flagx lets the config layers of one binary share a single argument
// list, each picking out only the flags it defines.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// Owned maps a flag name (without dashes) to whether it consumes a value.
type Owned map[string]bool

func splitFlag(arg string) (name, value string, hasValue, ok bool) {
	if len(arg) < 2 || arg[0] != '-' {
		return "", "", false, false
	}
	name = strings.TrimPrefix(arg[1:], "-")
	if name == "" {
		return "", "", false, false
	}
	name, value, hasValue = strings.Cut(name, "=")
	return name, value, hasValue, true
}

// FilterArgs returns the owned flags of args together with their values,
// in their original order. "-name v", "--name v" and "-name=v" are all
// accepted. A token starting with '-' is never consumed as a value, and
// everything after a bare "--" is ignored.
func FilterArgs(args []string, owned Owned) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
		name, _, inline, ok := splitFlag(args[i])
		if !ok {
			continue
		}
		takesValue, known := owned[name]
		if !known {
			continue
		}
		out = append(out, args[i])
		if inline || !takesValue {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

type boolFlag interface {
	IsBoolFlag() bool
}

// ParseFiltered registers flags with register and parses only those out of
// args, ignoring flags that belong to other components.
func ParseFiltered(name string, args []string, register func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	register(fs)

	owned := Owned{}
	fs.VisitAll(func(f *flag.Flag) {
		b, isBool := f.Value.(boolFlag)
		owned[f.Name] = !(isBool && b.IsBoolFlag())
	})

	return fs.Parse(FilterArgs(args, owned))
}

// ConfigPath returns the JSON config path given with -c or -config, or ""
// when neither is present. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string
	_ = ParseFiltered("config", args, func(fs *flag.FlagSet) {
		fs.StringVar(&path, "config", "", "path to config file")
		fs.StringVar(&path, "c", "", "path to config file (short)")
	})
	return path
}
