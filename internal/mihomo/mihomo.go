// Package mihomo parses upstream mihomo (Clash Meta) routing configs and
// strips them down to the sections an overwrite config needs: providers,
// groups and rules. Everything else (ports, tun, sniffer, dns tuning) is the
// base config's business and is dropped.
package mihomo

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// keepKeys are the top-level sections retained by Strip, in canonical order.
var keepKeys = []string{"proxy-providers", "proxy-groups", "rule-providers", "rules"}

// Provider is one proxy-provider entry. Order matches the source document;
// the EN_KEY1..N numbering depends on it.
type Provider struct {
	Name     string
	Type     string
	URL      string
	Path     string
	Interval int
}

// RuleProvider is one rule-provider entry.
type RuleProvider struct {
	Name     string
	Type     string
	Behavior string
	URL      string
	Path     string
	Interval int
}

// Document is a stripped mihomo config.
type Document struct {
	Name           string
	ProxyProviders []Provider
	RuleProviders  []RuleProvider
	ProxyGroups    int
	Rules          int

	stripped *yaml.Node
}

// providerSpec mirrors the YAML shape of a provider entry.
type providerSpec struct {
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	Interval int    `yaml:"interval"`
	Behavior string `yaml:"behavior"`
}

// Strip parses raw YAML and returns a Document containing only the kept
// sections. Aliases and merge keys are inlined so the stripped document
// stands alone even when the source anchored shared fragments outside the
// kept sections. Null sections count as absent, so "proxy-providers:" with
// no body behaves like a missing section. A document without any kept
// section yields ErrEmptyDocument.
func Strip(name string, raw []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top level is not a mapping", name)
	}

	doc := &Document{Name: name}

	kept := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range keepKeys {
		value := mappingValue(mapping, key)
		if value == nil || isNull(value) {
			continue
		}
		value = resolveAliases(value)
		kept.Content = append(kept.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			value,
		)

		switch key {
		case "proxy-providers":
			if err := doc.decodeProxyProviders(value); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		case "rule-providers":
			if err := doc.decodeRuleProviders(value); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		case "proxy-groups":
			doc.ProxyGroups = sequenceLen(value)
		case "rules":
			doc.Rules = sequenceLen(value)
		}
	}

	if len(kept.Content) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
	}
	doc.stripped = kept
	return doc, nil
}

// ProviderCount returns the number of proxy-providers, which drives the
// EN_KEY contract of every variant rendered from this document.
func (d *Document) ProviderCount() int {
	return len(d.ProxyProviders)
}

// Encode renders the stripped document as YAML. Aliases and merge keys were
// inlined during Strip, so the output carries no references back into the
// source document.
func (d *Document) Encode() ([]byte, error) {
	body, err := yaml.Marshal(d.stripped)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.Name, err)
	}
	return body, nil
}

func (d *Document) decodeProxyProviders(node *yaml.Node) error {
	return eachMappingEntry(node, func(name string, value *yaml.Node) error {
		spec := providerSpec{Type: "http", Interval: 86400}
		if err := value.Decode(&spec); err != nil {
			return fmt.Errorf("proxy-provider %q: %w", name, err)
		}
		d.ProxyProviders = append(d.ProxyProviders, Provider{
			Name:     name,
			Type:     spec.Type,
			URL:      spec.URL,
			Path:     spec.Path,
			Interval: spec.Interval,
		})
		return nil
	})
}

func (d *Document) decodeRuleProviders(node *yaml.Node) error {
	return eachMappingEntry(node, func(name string, value *yaml.Node) error {
		spec := providerSpec{Type: "http", Interval: 86400, Behavior: "domain"}
		if err := value.Decode(&spec); err != nil {
			return fmt.Errorf("rule-provider %q: %w", name, err)
		}
		d.RuleProviders = append(d.RuleProviders, RuleProvider{
			Name:     name,
			Type:     spec.Type,
			Behavior: spec.Behavior,
			URL:      spec.URL,
			Path:     spec.Path,
			Interval: spec.Interval,
		})
		return nil
	})
}

// mappingValue returns the value node for key, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// eachMappingEntry iterates a mapping node in document order. A null node
// is treated as an empty mapping.
func eachMappingEntry(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	if isNull(node) {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected mapping, got %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}

func sequenceLen(node *yaml.Node) int {
	if node.Kind != yaml.SequenceNode {
		return 0
	}
	return len(node.Content)
}

// resolveAliases replaces alias nodes with copies of their targets and
// expands merge keys, so the stripped tree never references anchors defined
// in dropped sections and re-encodes without !!merge tags.
func resolveAliases(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.AliasNode {
		return resolveAliases(n.Alias)
	}
	out := *n
	out.Anchor = ""
	if len(n.Content) > 0 {
		out.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = resolveAliases(child)
		}
	}
	if out.Kind == yaml.MappingNode {
		expandMerges(&out)
	}
	return &out
}

// expandMerges inlines "<<" merge entries into their parent mapping.
// Explicit keys win over merged ones; among multiple merges the earliest
// wins, matching YAML merge semantics.
func expandMerges(m *yaml.Node) {
	var content []*yaml.Node
	var merged []*yaml.Node
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, value := m.Content[i], m.Content[i+1]
		if key.Tag != "!!merge" && key.Value != "<<" {
			content = append(content, key, value)
			continue
		}
		switch value.Kind {
		case yaml.MappingNode:
			merged = append(merged, value.Content...)
		case yaml.SequenceNode:
			for _, item := range value.Content {
				if item.Kind == yaml.MappingNode {
					merged = append(merged, item.Content...)
				}
			}
		}
	}

	have := make(map[string]bool, len(content)/2)
	for i := 0; i < len(content); i += 2 {
		have[content[i].Value] = true
	}
	for i := 0; i+1 < len(merged); i += 2 {
		if have[merged[i].Value] {
			continue
		}
		have[merged[i].Value] = true
		content = append(content, merged[i], merged[i+1])
	}
	m.Content = content
}
