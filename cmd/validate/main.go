// SPDX-License-Identifier: MIT

// validate checks a generated output directory: filenames decode to known
// variants, every source carries the full variant set, each overwrite header
// declares the env contract its variant demands, and the manifest agrees
// with what is actually on disk.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/clashkit/ocgen/internal/jobs"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/variant"
	"github.com/clashkit/ocgen/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data", "./data", "generated output directory")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{
		Level:   "info",
		Service: "ocgen-validate",
		Version: version.Version,
	})
	logger := xlog.WithComponent("validate")

	problems, checked, err := validateDir(filepath.Join(*dataDir, "overwrites"))
	if err != nil {
		logger.Fatal().Err(err).Msg("validation aborted")
	}

	manifestProblems, err := validateManifest(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("validation aborted")
	}
	problems = append(problems, manifestProblems...)

	for _, p := range problems {
		fmt.Fprintln(os.Stderr, "FAIL:", p)
	}

	if len(problems) > 0 {
		logger.Error().
			Int("checked", checked).
			Int("problems", len(problems)).
			Msg("validation failed")
		os.Exit(1)
	}

	logger.Info().Int("checked", checked).Msg("all overwrites valid")
}

func validateDir(dir string) (problems []string, checked int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", dir, err)
	}

	// source-name -> set of variant suffixes present
	bySource := make(map[string]map[string]bool)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		checked++

		parsed, err := variant.ParseFilename(e.Name())
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}

		key := parsed.Source + "-" + parsed.Name
		if bySource[key] == nil {
			bySource[key] = make(map[string]bool)
		}
		bySource[key][parsed.Variant.Suffix()] = true

		if ps := checkHeader(filepath.Join(dir, e.Name()), parsed.Variant); len(ps) > 0 {
			problems = append(problems, ps...)
		}
	}

	// Every source must carry the complete variant set.
	for key, present := range bySource {
		for _, v := range variant.All() {
			if !present[v.Suffix()] {
				problems = append(problems, fmt.Sprintf("%s: missing variant %q", key, v.Suffix()))
			}
		}
	}

	slices.Sort(problems)
	return problems, checked, nil
}

// validateManifest cross-checks manifest.json against the output tree:
// every listed file must exist, and every generated file must be listed.
func validateManifest(dataDir string) ([]string, error) {
	m, err := jobs.ReadManifest(dataDir)
	if err != nil {
		return []string{fmt.Sprintf("manifest: %v", err)}, nil
	}

	var problems []string
	listed := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		listed[f] = true
		if _, err := os.Stat(filepath.Join(dataDir, f)); err != nil {
			problems = append(problems, fmt.Sprintf("manifest lists %s but it is not on disk", f))
		}
	}

	for _, sub := range []string{"overwrites", "yamls"} {
		entries, err := os.ReadDir(filepath.Join(dataDir, sub))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if ext := filepath.Ext(e.Name()); ext != ".conf" && ext != ".yaml" {
				continue
			}
			if rel := sub + "/" + e.Name(); !listed[rel] {
				problems = append(problems, fmt.Sprintf("%s is on disk but not in the manifest", rel))
			}
		}
	}

	slices.Sort(problems)
	return problems, nil
}

// checkHeader verifies the requires-env declaration matches the variant:
// bypass overwrites must demand EN_DNS, everything else must not.
func checkHeader(path string, v variant.Variant) []string {
	f, err := os.Open(path)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", filepath.Base(path), err)}
	}
	defer f.Close()

	var problems []string
	found := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "# requires-env:") {
			continue
		}
		found = true

		env := strings.Split(strings.TrimPrefix(line, "# requires-env:"), ",")
		for i := range env {
			env[i] = strings.TrimSpace(env[i])
		}
		hasDNS := slices.Contains(env, "EN_DNS")
		if v.Bypass && !hasDNS {
			problems = append(problems, fmt.Sprintf("%s: bypass variant missing EN_DNS in requires-env", filepath.Base(path)))
		}
		if !v.Bypass && hasDNS {
			problems = append(problems, fmt.Sprintf("%s: non-bypass variant declares EN_DNS", filepath.Base(path)))
		}
		break
	}
	if err := scanner.Err(); err != nil {
		return []string{fmt.Sprintf("%s: %v", filepath.Base(path), err)}
	}
	if !found {
		problems = append(problems, fmt.Sprintf("%s: missing requires-env header", filepath.Base(path)))
	}
	return problems
}
