package mihomo

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
port: 7890
allow-lan: true
mode: rule
dns:
  enable: true
  ipv6: true
proxy-providers:
  provider1:
    type: http
    url: "https://example.com/sub1"
    interval: 3600
    path: ./providers/p1.yaml
  provider2:
    url: "https://example.com/sub2"
proxy-groups:
  - name: PROXY
    type: select
    proxies: [auto]
  - name: auto
    type: url-test
    url: http://www.gstatic.com/generate_204
rule-providers:
  ads:
    type: http
    behavior: domain
    url: "https://example.com/ads.yaml"
    path: ./rules/ads.yaml
rules:
  - DOMAIN-SUFFIX,example.com,PROXY
  - GEOIP,CN,DIRECT
  - MATCH,PROXY
tun:
  enable: true
`

func TestStripKeepsOnlyRoutingSections(t *testing.T) {
	doc, err := Strip("sample", []byte(sampleConfig))
	require.NoError(t, err)

	out, err := doc.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))

	assert.ElementsMatch(t,
		[]string{"proxy-providers", "proxy-groups", "rule-providers", "rules"},
		keysOf(decoded),
	)
	assert.NotContains(t, string(out), "tun:")
	assert.NotContains(t, string(out), "allow-lan")
}

func TestStripExtractsProvidersInDocumentOrder(t *testing.T) {
	doc, err := Strip("sample", []byte(sampleConfig))
	require.NoError(t, err)

	want := []Provider{
		{Name: "provider1", Type: "http", URL: "https://example.com/sub1", Path: "./providers/p1.yaml", Interval: 3600},
		// provider2 omits type and interval, defaults apply
		{Name: "provider2", Type: "http", URL: "https://example.com/sub2", Interval: 86400},
	}
	if diff := cmp.Diff(want, doc.ProxyProviders); diff != "" {
		t.Errorf("proxy providers mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, doc.RuleProviders, 1)
	assert.Equal(t, "ads", doc.RuleProviders[0].Name)
	assert.Equal(t, "domain", doc.RuleProviders[0].Behavior)

	assert.Equal(t, 2, doc.ProxyGroups)
	assert.Equal(t, 3, doc.Rules)
	assert.Equal(t, 2, doc.ProviderCount())
}

func TestStripResolvesAliasesFromDroppedSections(t *testing.T) {
	src := `
defaults: &hc
  url: http://www.gstatic.com/generate_204
  interval: 300
proxy-groups:
  - name: auto
    type: url-test
    <<: *hc
proxy-providers:
  p:
    url: "https://example.com/sub"
`
	doc, err := Strip("aliased", []byte(src))
	require.NoError(t, err)

	out, err := doc.Encode()
	require.NoError(t, err)

	// Stripped output must stand alone: the anchored fragment is inlined,
	// no alias or merge syntax survives.
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, string(out), "generate_204")
	assert.Contains(t, string(out), "interval: 300")
	assert.NotContains(t, string(out), "*hc")
	assert.NotContains(t, string(out), "<<")
}

func TestStripExpandsMergeKeysWithOverrides(t *testing.T) {
	src := `
defaults: &hc
  url: http://www.gstatic.com/generate_204
  interval: 300
proxy-providers:
  p:
    <<: *hc
    url: "https://example.com/sub"
`
	doc, err := Strip("merged", []byte(src))
	require.NoError(t, err)

	require.Len(t, doc.ProxyProviders, 1)
	// Explicit url wins over the merged one; merged interval is inherited.
	assert.Equal(t, "https://example.com/sub", doc.ProxyProviders[0].URL)
	assert.Equal(t, 300, doc.ProxyProviders[0].Interval)

	out, err := doc.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<<")
}

func TestStripTreatsNullSectionsAsEmpty(t *testing.T) {
	doc, err := Strip("nullprov", []byte("proxy-providers:\nrules:\n  - MATCH,DIRECT\n"))
	require.NoError(t, err)

	assert.Zero(t, doc.ProviderCount())
	assert.Equal(t, 1, doc.Rules)

	out, err := doc.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "proxy-providers")
}

func TestStripSkipsEmptyDocuments(t *testing.T) {
	_, err := Strip("empty", []byte("port: 7890\nmode: rule\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDocument))
}

func TestStripRejectsMalformedYAML(t *testing.T) {
	_, err := Strip("broken", []byte("proxy-providers: [unclosed"))
	assert.Error(t, err)
}

func TestEncodeIsDeterministic(t *testing.T) {
	doc, err := Strip("sample", []byte(sampleConfig))
	require.NoError(t, err)

	a, err := doc.Encode()
	require.NoError(t, err)
	b, err := doc.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	// Section order is canonical regardless of source order.
	idx := func(s string) int { return strings.Index(string(a), s) }
	assert.Less(t, idx("proxy-providers:"), idx("proxy-groups:"))
	assert.Less(t, idx("proxy-groups:"), idx("rule-providers:"))
	assert.Less(t, idx("rule-providers:"), idx("rules:"))
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
