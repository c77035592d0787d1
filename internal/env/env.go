// Package env composes the environment of spawned service processes.
package env

import (
	"sort"
	"strings"
)

// Var maps keys to values.
type Var map[string]string

// FromList parses "K=V" entries. Entries without a key are skipped and later
// entries win.
func FromList(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// List returns the variables as sorted "K=V" pairs.
func (v Var) List() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Merge applies each layer over base in order. ${VAR} references in layer
// values are expanded against everything merged before that layer; base
// values are passed through untouched. The result is sorted.
func Merge(base []string, layers ...map[string]string) []string {
	m := FromList(base)
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		expanded := make(Var, len(layer))
		for _, k := range keys {
			if k == "" {
				continue
			}
			expanded[k] = Expand(layer[k], m)
		}
		for k, val := range expanded {
			m[k] = val
		}
	}
	return m.List()
}

// Expand replaces ${NAME} with its value in m. Unknown names and unterminated
// references are left as written; there is no recursion.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := m[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
