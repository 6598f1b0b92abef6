package codec

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// decodeYAML reads the node tree rather than unmarshalling into maps so key
// order and line numbers survive.
func decodeYAML(r io.Reader, source string) (core.Dataset, []core.ValidationError, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", source, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []core.ValidationError{structural(source, 0, 0, "invalid YAML: %v", err)}, nil
	}
	if len(doc.Content) == 0 {
		return nil, []core.ValidationError{structural(source, 0, 0, "empty document")}, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, []core.ValidationError{
			structural(source, root.Line, 0, "document must be a mapping keyed by entity kind"),
		}, nil
	}

	ds := make(core.Dataset)
	for i := 0; i+1 < len(root.Content); i += 2 {
		kind := core.EntityKind(root.Content[i].Value)
		list := resolveAlias(root.Content[i+1])
		if isYAMLNull(list) {
			continue
		}
		if list.Kind != yaml.SequenceNode {
			return ds, []core.ValidationError{
				structural(source, list.Line, 0, "%s must be a list of records", kind),
			}, nil
		}

		for j, item := range list.Content {
			item = resolveAlias(item)
			if item.Kind != yaml.MappingNode {
				return ds, []core.ValidationError{
					structural(source, item.Line, j, "%s record %d is not a mapping", kind, j+1),
				}, nil
			}
			rec := core.NewRecord(kind, core.Locator{Source: source, Line: item.Line, Index: j})
			for k := 0; k+1 < len(item.Content); k += 2 {
				var v any
				if err := item.Content[k+1].Decode(&v); err != nil {
					return ds, []core.ValidationError{
						structural(source, item.Content[k+1].Line, j, "%s.%s: %v", kind, item.Content[k].Value, err),
					}, nil
				}
				rec.Set(item.Content[k].Value, v)
			}
			ds[kind] = append(ds[kind], rec)
		}
	}
	return ds, nil, nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isYAMLNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func encodeYAML(w io.Writer, ds core.Dataset, order []core.EntityKind) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, kind := range order {
		list := &yaml.Node{Kind: yaml.SequenceNode}
		for _, rec := range ds[kind] {
			m := &yaml.Node{Kind: yaml.MappingNode}
			for _, key := range rec.Keys() {
				val, err := yamlValue(rec.Value(key))
				if err != nil {
					return fmt.Errorf("encode %s.%s: %w", kind, key, err)
				}
				m.Content = append(m.Content, yamlKey(key), val)
			}
			list.Content = append(list.Content, m)
		}
		root.Content = append(root.Content, yamlKey(string(kind)), list)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return err
	}
	return enc.Close()
}

func yamlKey(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func yamlValue(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case time.Time:
		v = core.FormatTime(x)
	}
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return n, nil
}
