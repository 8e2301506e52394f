package variant

import (
	"fmt"
	"strings"
)

// ParsedFilename is the decomposition of a generated overwrite filename.
type ParsedFilename struct {
	Source  string
	Name    string
	Variant Variant
}

// ParseFilename decodes an output filename produced by Filename. Variant
// flags come from a closed set, so they are stripped from the end in reverse
// composition order; whatever remains is <source>-<name> with the source
// being the first dash-separated token.
func ParseFilename(filename string) (ParsedFilename, error) {
	base, ok := strings.CutSuffix(filename, ".conf")
	if !ok {
		return ParsedFilename{}, fmt.Errorf("%q: missing .conf extension", filename)
	}
	base, ok = strings.CutPrefix(base, "Overwrite-")
	if !ok {
		return ParsedFilename{}, fmt.Errorf("%q: missing Overwrite- prefix", filename)
	}

	var v Variant
	if rest, ok := strings.CutSuffix(base, "-LGBM"); ok {
		v.LGBM = true
		base = rest
	}
	if rest, ok := strings.CutSuffix(base, "-bypass"); ok {
		v.Bypass = true
		base = rest
	}
	if rest, ok := strings.CutSuffix(base, "-noipv6"); ok {
		v.NoIPv6 = true
		base = rest
	}
	if rest, ok := strings.CutSuffix(base, "-smart"); ok {
		v.Smart = true
		base = rest
	}
	if !v.Valid() {
		return ParsedFilename{}, fmt.Errorf("%q: invalid variant combination", filename)
	}

	source, name, ok := strings.Cut(base, "-")
	if !ok || source == "" || name == "" {
		return ParsedFilename{}, fmt.Errorf("%q: expected Overwrite-<source>-<name>", filename)
	}

	return ParsedFilename{Source: source, Name: name, Variant: v}, nil
}
