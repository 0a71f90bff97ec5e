package micro

import (
	"fmt"
	"sort"
	"strings"
)

// Options are the recognized build options passed to a Compiler.
type Options struct {
	// CFlags are extra C compiler flags.
	CFlags []string `yaml:"cflags" json:"cflags,omitempty"`
	// CCFlags are extra C++ compiler flags.
	CCFlags []string `yaml:"ccflags" json:"ccflags,omitempty"`
	// LDFlags are extra linker flags.
	LDFlags []string `yaml:"ldflags" json:"ldflags,omitempty"`
	// IncludeDirs are added to the include path.
	IncludeDirs []string `yaml:"include_dirs" json:"include_dirs,omitempty"`
	// CMakeArgs are passed verbatim to cmake after the generated defines.
	CMakeArgs []string `yaml:"cmake_args" json:"cmake_args,omitempty"`
}

// optionFields maps each recognized key to its destination.
func (o *Options) optionFields() map[string]*[]string {
	return map[string]*[]string{
		"cflags":       &o.CFlags,
		"ccflags":      &o.CCFlags,
		"ldflags":      &o.LDFlags,
		"include_dirs": &o.IncludeDirs,
		"cmake_args":   &o.CMakeArgs,
	}
}

// ParseOptions converts a loosely typed option map into Options. Unknown
// keys and values that are not a string or list of strings are errors.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	fields := opts.optionFields()

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		dst, ok := fields[k]
		if !ok {
			return Options{}, fmt.Errorf("unknown compiler option %q (known: %s)", k, strings.Join(KnownOptions(), ", "))
		}
		vals, err := stringList(raw[k])
		if err != nil {
			return Options{}, fmt.Errorf("compiler option %q: %w", k, err)
		}
		*dst = vals
	}
	return opts, nil
}

// Map returns the non-empty options keyed by their option names.
func (o Options) Map() map[string][]string {
	out := make(map[string][]string)
	for k, v := range o.optionFields() {
		if len(*v) > 0 {
			out[k] = append([]string(nil), *v...)
		}
	}
	return out
}

// KnownOptions returns the recognized option keys, sorted.
func KnownOptions() []string {
	var o Options
	keys := make([]string, 0, 5)
	for k := range o.optionFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringList(v any) ([]string, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want string", i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is %T, want string or list of strings", v)
	}
}

// CMakeDefines renders the options as cmake arguments: EXTRA_CFLAGS,
// EXTRA_CXXFLAGS and EXTRA_LDFLAGS defines (semicolon lists), then any
// verbatim CMakeArgs. Include directories are not included; callers pass
// them under whatever define their project expects (see IncludeDirsDefine).
func (o Options) CMakeDefines() []string {
	var args []string
	for _, d := range []struct {
		define string
		vals   []string
	}{
		{"CFLAGS", o.CFlags},
		{"CXXFLAGS", o.CCFlags},
		{"LDFLAGS", o.LDFlags},
	} {
		if len(d.vals) > 0 {
			args = append(args, fmt.Sprintf("-DEXTRA_%s=%s", d.define, strings.Join(d.vals, ";")))
		}
	}
	return append(args, o.CMakeArgs...)
}

// IncludeDirsDefine renders IncludeDirs as a single cmake define named
// name, or "" when there are none.
func (o Options) IncludeDirsDefine(name string) string {
	if len(o.IncludeDirs) == 0 {
		return ""
	}
	return fmt.Sprintf("-D%s=%s", name, strings.Join(o.IncludeDirs, ";"))
}
