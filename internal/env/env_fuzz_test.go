package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeLayersAndExpands(t *testing.T) {
	out := Merge(
		[]string{"PATH=/bin", "PORT=1", "HOME=/root", "=broken"},
		map[string]string{"PORT": "8080"},
		map[string]string{"BASE_URL": "http://localhost:${PORT}", "WHO": "${HOME}/${MISSING}"},
	)
	assert.Equal(t, []string{
		"BASE_URL=http://localhost:8080",
		"HOME=/root",
		"PATH=/bin",
		"PORT=8080",
		"WHO=/root/${MISSING}",
	}, out)
}

func TestExpandLeavesLiteralsAlone(t *testing.T) {
	m := Var{"A": "1"}
	assert.Equal(t, "$A ${A", Expand("$A ${A", m))
	assert.Equal(t, "1-1", Expand("${A}-${A}", m))
	assert.Equal(t, "", Expand("", m))
}

// FuzzExpandMerge checks Merge never emits malformed pairs and never
// introduces placeholders that were not in the input.
func FuzzExpandMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))

	f.Fuzz(func(t *testing.T, baseB []byte, layerB []byte) {
		base := splitNZ(string(baseB))
		if len(base) > 20 {
			base = base[:20]
		}
		layer := map[string]string{}
		for i, kv := range splitNZ(string(layerB)) {
			if i >= 20 {
				break
			}
			if j := strings.IndexByte(kv, '='); j > 0 {
				layer[kv[:j]] = kv[j+1:]
			}
		}

		out := Merge(base, layer)
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
		if !strings.Contains(string(baseB)+string(layerB), "${") {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("unexpected placeholder: %q", kv)
				}
			}
		}
	})
}

func splitNZ(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
