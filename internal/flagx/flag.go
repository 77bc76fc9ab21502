// Package flagx lets several parsers share one command line. Each parser
// keeps only the flags it owns, so unknown flags never abort parsing.
package flagx

import (
	"flag"
	"io"
	"slices"
	"strings"
)

// FilterArgs keeps the allowed flags and their values from args. Both the
// "-f value" and "-f=value" forms are recognized; a following token that
// starts with "-" is not taken as a value.
func FilterArgs(args []string, allowed ...string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if slices.Contains(allowed, name) {
				out = append(out, arg)
			}
			continue
		}

		if !slices.Contains(allowed, arg) {
			continue
		}
		out = append(out, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, args[i+1])
			i++
		}
	}
	return out
}

// ConfigPath returns the value of -c or -config in args, the last one
// winning, or "" when neither is present.
func ConfigPath(args []string) string {
	var path string
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to JSON config file")
	fs.StringVar(&path, "c", "", "path to JSON config file (short)")
	_ = fs.Parse(FilterArgs(args, "-c", "-config", "--config"))
	return path
}
