package config

import (
	"os"
	"regexp"
)

var envTokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc resolves an environment variable name
type LookupFunc func(name string) (string, bool)

// ExpandString substitutes ${NAME} tokens in a single string. Tokens whose
// name cannot be resolved round-trip unchanged and are reported in the
// returned slice so the caller can log them.
func ExpandString(s string, lookup LookupFunc) (string, []string) {
	var unresolved []string
	out := envTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := envTokenRe.FindStringSubmatch(token)[1]
		if value, ok := lookup(name); ok {
			return value
		}
		unresolved = append(unresolved, name)
		return token
	})
	return out, unresolved
}

// ExpandValue walks a decoded JSON document and substitutes ${NAME} tokens
// in every string it contains. The traversal is pure: it builds new maps and
// slices and never mutates its input. Unresolved names are collected across
// the whole document.
func ExpandValue(v interface{}, lookup LookupFunc) (interface{}, []string) {
	switch val := v.(type) {
	case string:
		return ExpandString(val, lookup)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		var unresolved []string
		for k, child := range val {
			expanded, missing := ExpandValue(child, lookup)
			out[k] = expanded
			unresolved = append(unresolved, missing...)
		}
		return out, unresolved
	case []interface{}:
		out := make([]interface{}, len(val))
		var unresolved []string
		for i, child := range val {
			expanded, missing := ExpandValue(child, lookup)
			out[i] = expanded
			unresolved = append(unresolved, missing...)
		}
		return out, unresolved
	default:
		return v, nil
	}
}

// OSLookup resolves names against the process environment
func OSLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}
