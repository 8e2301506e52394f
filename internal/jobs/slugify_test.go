// SPDX-License-Identifier: MIT

package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme Template":   "acme-template",
		"tpl_v2":          "tpl-v2",
		"  spaced  out  ": "spaced-out",
		"Café Réseau":     "cafe-reseau",
		"UPPER":           "upper",
		"already-slugged": "already-slugged",
		"***":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "input %q", in)
	}
}

func TestSourceLabel(t *testing.T) {
	assert.Equal(t, "mihomo", SourceLabel("HenryChiao/mihomo_yamls"))
	assert.Equal(t, "acme", SourceLabel("acme"))
	assert.Equal(t, "clash", SourceLabel("someone/clash-configs"))
}
