// Package overwrite renders OpenClash overwrite .conf scripts from stripped
// mihomo documents. One template family exists per variant class (main,
// bypass, smart); noipv6 and LGBM are parameterizations within a family.
package overwrite

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/clashkit/ocgen/internal/mihomo"
	"github.com/clashkit/ocgen/internal/variant"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// providerBinding pairs a proxy-provider with the env var that replaces its
// subscription URL at apply time.
type providerBinding struct {
	mihomo.Provider
	EnvKey string
}

// data is the template context for one rendered variant.
type data struct {
	ConfigName    string
	Source        string
	Filename      string
	GeneratedAt   string
	YAMLURL       string
	ProviderCount int
	Providers     []providerBinding
	RuleProviders []mihomo.RuleProvider
	RequiredEnv   []string

	Smart  bool
	NoIPv6 bool
	Bypass bool
	LGBM   bool
}

// Renderer renders overwrite configs. Safe for concurrent use.
type Renderer struct {
	tpl *template.Template
	now func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock overrides the timestamp source, used by tests for deterministic
// output.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// New parses the embedded templates.
func New(opts ...Option) (*Renderer, error) {
	tpl, err := template.New("overwrite").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse overwrite templates: %w", err)
	}
	r := &Renderer{tpl: tpl, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render produces the .conf content for one document/variant pair. yamlURL
// is the public download URL of the stripped YAML the overwrite points at.
func (r *Renderer) Render(doc *mihomo.Document, source string, v variant.Variant, yamlURL string) ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("variant %q not on supported axes", v.Suffix())
	}
	if doc.ProviderCount() == 0 {
		return nil, fmt.Errorf("%s: no proxy-providers, nothing to overwrite", doc.Name)
	}

	keys := variant.SubscriptionKeys(doc.ProviderCount())
	providers := make([]providerBinding, len(doc.ProxyProviders))
	for i, p := range doc.ProxyProviders {
		providers[i] = providerBinding{Provider: p, EnvKey: keys[i]}
	}

	d := data{
		ConfigName:    doc.Name,
		Source:        source,
		Filename:      variant.Filename(source, doc.Name, v),
		GeneratedAt:   r.now().UTC().Format("2006-01-02 15:04:05"),
		YAMLURL:       yamlURL,
		ProviderCount: doc.ProviderCount(),
		Providers:     providers,
		RuleProviders: doc.RuleProviders,
		RequiredEnv:   v.RequiredEnv(doc.ProviderCount()),
		Smart:         v.Smart,
		NoIPv6:        v.NoIPv6,
		Bypass:        v.Bypass,
		LGBM:          v.LGBM,
	}

	var buf bytes.Buffer
	name := string(v.Template()) + ".conf.tmpl"
	if err := r.tpl.ExecuteTemplate(&buf, name, d); err != nil {
		return nil, fmt.Errorf("render %s: %w", d.Filename, err)
	}
	return buf.Bytes(), nil
}
