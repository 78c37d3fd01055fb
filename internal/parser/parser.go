// Package parser flattens structured configuration files into key paths.
package parser

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flatten parses YAML (and therefore JSON) content into a map from dotted
// key path to scalar value. Sequence items are addressed as key[i].
// ok is false when data is empty, invalid, or not a mapping at the top level.
func Flatten(data []byte) (map[string]string, bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, false
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, false
	}
	out := make(map[string]string)
	walk(root, "", out)
	return out, true
}

func walk(n *yaml.Node, prefix string, out map[string]string) {
	switch n.Kind {
	case yaml.MappingNode:
		if len(n.Content) == 0 && prefix != "" {
			out[prefix] = "{}"
			return
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			walk(n.Content[i+1], key, out)
		}
	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			out[prefix] = "[]"
			return
		}
		for i, item := range n.Content {
			walk(item, prefix+"["+strconv.Itoa(i)+"]", out)
		}
	case yaml.AliasNode:
		walk(n.Alias, prefix, out)
	default:
		out[prefix] = n.Value
	}
}

// Changes lists the key-path differences between two flattened documents,
// sorted by key: "+ k: v" added, "- k: v" removed, "~ k: a -> b" changed.
func Changes(before, after map[string]string) []string {
	keys := make([]string, 0, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		a, inBefore := before[k]
		b, inAfter := after[k]
		switch {
		case !inBefore:
			out = append(out, fmt.Sprintf("+ %s: %s", k, b))
		case !inAfter:
			out = append(out, fmt.Sprintf("- %s: %s", k, a))
		case a != b:
			out = append(out, fmt.Sprintf("~ %s: %s -> %s", k, a, b))
		}
	}
	return out
}

// Summary renders Changes as one change per line.
func Summary(before, after map[string]string) string {
	return strings.Join(Changes(before, after), "\n")
}
