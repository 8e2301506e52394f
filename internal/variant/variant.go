// Package variant models the labeled overwrite-config variants that are
// emitted for every upstream source file, together with the environment
// variables each variant requires at apply time.
package variant

import (
	"fmt"
	"strings"
)

// Template selects which overwrite template family renders a variant.
type Template string

const (
	TemplateMain   Template = "main"
	TemplateBypass Template = "bypass"
	TemplateSmart  Template = "smart"
)

// Variant is one point in the axes {standard,smart} x {ipv6 on/off} x
// {LGBM on/off} with an additional bypass flag. LGBM only applies to smart
// variants; bypass and noipv6 never combine in one suffix.
type Variant struct {
	Smart  bool
	NoIPv6 bool
	Bypass bool
	LGBM   bool
}

// All returns the fixed 9-member enumeration generated per source YAML,
// in listing order.
func All() []Variant {
	return []Variant{
		{},
		{NoIPv6: true},
		{Bypass: true},
		{Smart: true},
		{Smart: true, NoIPv6: true},
		{Smart: true, Bypass: true},
		{Smart: true, LGBM: true},
		{Smart: true, NoIPv6: true, LGBM: true},
		{Smart: true, Bypass: true, LGBM: true},
	}
}

// Suffix composes the filename suffix in the fixed order
// [-smart][-noipv6][-bypass][-LGBM].
func (v Variant) Suffix() string {
	var b strings.Builder
	if v.Smart {
		b.WriteString("-smart")
	}
	if v.NoIPv6 {
		b.WriteString("-noipv6")
	}
	if v.Bypass {
		b.WriteString("-bypass")
	}
	if v.LGBM {
		b.WriteString("-LGBM")
	}
	return b.String()
}

// String returns the suffix, or "base" for the unflagged variant.
func (v Variant) String() string {
	s := v.Suffix()
	if s == "" {
		return "base"
	}
	return strings.TrimPrefix(s, "-")
}

// Template returns the template family rendering this variant.
func (v Variant) Template() Template {
	switch {
	case v.Smart:
		return TemplateSmart
	case v.Bypass:
		return TemplateBypass
	default:
		return TemplateMain
	}
}

// Valid reports whether the variant lies on the supported axes.
func (v Variant) Valid() bool {
	if v.LGBM && !v.Smart {
		return false
	}
	if v.NoIPv6 && v.Bypass {
		return false
	}
	return true
}

// Filename builds the output filename for a source and variant:
// Overwrite-<source>-<name><suffix>.conf
func Filename(source, name string, v Variant) string {
	return fmt.Sprintf("Overwrite-%s-%s%s.conf", source, name, v.Suffix())
}

// ParseSuffix decodes a composed suffix back into a Variant. The empty
// string decodes to the base variant.
func ParseSuffix(s string) (Variant, error) {
	var v Variant
	rest := s
	take := func(part string) bool {
		if strings.HasPrefix(rest, "-"+part) {
			rest = rest[len(part)+1:]
			return true
		}
		return false
	}
	v.Smart = take("smart")
	v.NoIPv6 = take("noipv6")
	v.Bypass = take("bypass")
	v.LGBM = take("LGBM")
	if rest != "" {
		return Variant{}, fmt.Errorf("unrecognized variant suffix %q", s)
	}
	if !v.Valid() {
		return Variant{}, fmt.Errorf("invalid variant combination %q", s)
	}
	return v, nil
}

// SubscriptionKeys returns the EN_KEY environment variable names a config
// with the given proxy-provider count requires: one provider uses EN_KEY,
// multiple providers use EN_KEY1..EN_KEYn.
func SubscriptionKeys(providerCount int) []string {
	switch {
	case providerCount <= 0:
		return nil
	case providerCount == 1:
		return []string{"EN_KEY"}
	default:
		keys := make([]string, 0, providerCount)
		for i := 1; i <= providerCount; i++ {
			keys = append(keys, fmt.Sprintf("EN_KEY%d", i))
		}
		return keys
	}
}

// RequiredEnv returns every environment variable a consumer must set before
// applying this variant. Bypass deployments additionally need EN_DNS.
func (v Variant) RequiredEnv(providerCount int) []string {
	env := SubscriptionKeys(providerCount)
	if v.Bypass {
		env = append(env, "EN_DNS")
	}
	return env
}
