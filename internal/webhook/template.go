package webhook

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveTemplate substitutes `{{path.to.value}}` placeholders with values
// from the workflow output tree. Unresolvable paths render empty; string
// values render raw, everything else as JSON.
func ResolveTemplate(tmpl string, output json.RawMessage) string {
	var tree any
	if len(output) > 0 {
		// Invalid output leaves tree nil; placeholders resolve empty.
		_ = json.Unmarshal(output, &tree)
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := lookupPath(tree, path)
		if !ok {
			return ""
		}
		return renderValue(v)
	})
}

func lookupPath(tree any, path string) (any, bool) {
	cur := tree
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
