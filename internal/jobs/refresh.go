// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clashkit/ocgen/internal/history"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/metrics"
	"github.com/clashkit/ocgen/internal/mihomo"
	"github.com/clashkit/ocgen/internal/upstream"
	"github.com/clashkit/ocgen/internal/variant"
)

// errNoProviders marks an upstream file that parsed fine but carries no
// proxy-providers section, so no overwrite can be derived from it.
var errNoProviders = errors.New("no proxy providers")

// Refresh runs one full cycle. Per-source failures are counted but do not
// abort the run; the cycle fails as a whole only when discovery or history
// recording fails.
func (r *Runner) Refresh(ctx context.Context, trigger string) (Result, error) {
	runID := uuid.NewString()
	ctx = xlog.ContextWithRunID(ctx, runID)
	logger := r.logger.With().Str("run_id", runID).Logger()

	started := time.Now()
	res := Result{RunID: runID, Trigger: trigger, StartedAt: started.UTC()}

	logger.Info().
		Str("event", "refresh.start").
		Str("trigger", trigger).
		Msg("starting refresh cycle")

	sources, err := r.fetcher.ListSources(ctx)
	if err != nil {
		metrics.IncRefreshFailure("discover")
		res.Err = err.Error()
		res.Duration = time.Since(started)
		r.setLast(res)
		return res, fmt.Errorf("discover sources: %w", err)
	}
	metrics.RecordSourcesDiscovered(len(sources))
	res.SourcesTotal = len(sources)

	previous, err := r.hist.LatestHashes(ctx)
	if err != nil {
		// Losing the skip optimization is not fatal; everything rewrites.
		metrics.IncRefreshFailure("history")
		logger.Warn().Err(err).
			Str("event", "refresh.hashes_unavailable").
			Msg("previous hashes unavailable, rewriting all variants")
		previous = map[string]string{}
	}

	var (
		mu        sync.Mutex
		artifacts []history.Artifact
		manifest  []string
		failed    int
		written   int
		skipped   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)

	for _, src := range sources {
		g.Go(func() error {
			out, err := r.processSource(gctx, src, previous)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, errNoProviders) {
				// Not every upstream file is a routing config. Skip, don't fail.
				metrics.IncSourceProcessed("skipped")
				logger.Info().
					Str("event", "refresh.source_skipped").
					Str("source", src.Name).
					Msg("source has no proxy providers, skipped")
				return nil
			}
			if err != nil {
				failed++
				metrics.IncSourceProcessed("failure")
				logger.Error().Err(err).
					Str("event", "refresh.source_failed").
					Str("source", src.Name).
					Msg("source processing failed")
				return nil
			}
			metrics.IncSourceProcessed("success")
			artifacts = append(artifacts, out.artifacts...)
			manifest = append(manifest, out.files...)
			written += out.written
			skipped += out.skipped
			return nil
		})
	}
	// Workers swallow per-source errors; Wait only reports ctx cancellation.
	if err := g.Wait(); err != nil {
		res.Err = err.Error()
		res.Duration = time.Since(started)
		r.setLast(res)
		return res, err
	}

	res.SourcesFailed = failed
	res.VariantsWritten = written
	res.VariantsSkipped = skipped
	metrics.RecordVariants(written, skipped)

	if err := r.writeManifest(runID, manifest); err != nil {
		metrics.IncRefreshFailure("write")
		logger.Error().Err(err).
			Str("event", "refresh.manifest_failed").
			Msg("manifest write failed")
		res.Err = err.Error()
	}

	finished := time.Now()
	res.Duration = finished.Sub(started)
	metrics.ObserveRefreshDuration(res.Duration.Seconds())

	run := history.Run{
		ID:              runID,
		StartedAt:       started.UTC(),
		FinishedAt:      finished.UTC(),
		Trigger:         trigger,
		SourcesTotal:    res.SourcesTotal,
		SourcesFailed:   failed,
		VariantsWritten: written,
		VariantsSkipped: skipped,
		Err:             res.Err,
	}
	if err := r.hist.RecordRun(ctx, run, artifacts); err != nil {
		metrics.IncRefreshFailure("history")
		res.Err = err.Error()
		r.setLast(res)
		return res, fmt.Errorf("record run: %w", err)
	}

	logger.Info().
		Str("event", "refresh.complete").
		Int("sources", res.SourcesTotal).
		Int("failed", failed).
		Int("variants_written", written).
		Int("variants_skipped", skipped).
		Dur("duration", res.Duration).
		Msg("refresh cycle complete")

	r.setLast(res)
	return res, nil
}

// sourceOutput collects what one source contributed to the run.
type sourceOutput struct {
	artifacts []history.Artifact
	files     []string
	written   int
	skipped   int
}

func (r *Runner) processSource(ctx context.Context, src upstream.Source, previous map[string]string) (*sourceOutput, error) {
	raw, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		metrics.IncRefreshFailure("fetch")
		return nil, fmt.Errorf("fetch: %w", err)
	}

	name := Slugify(src.Name)
	doc, err := mihomo.Strip(name, raw)
	if err != nil {
		metrics.IncRefreshFailure("strip")
		return nil, fmt.Errorf("strip: %w", err)
	}
	if doc.ProviderCount() == 0 {
		return nil, fmt.Errorf("%s: %w", src.Name, errNoProviders)
	}

	out := &sourceOutput{}

	stripped, err := doc.Encode()
	if err != nil {
		metrics.IncRefreshFailure("strip")
		return nil, fmt.Errorf("encode: %w", err)
	}
	yamlRel := fmt.Sprintf("yamls/%s-%s.yaml", r.cfg.SourceLabel, name)
	if _, _, err := r.writeOutput(yamlRel, stripped); err != nil {
		metrics.IncRefreshFailure("write")
		return nil, fmt.Errorf("write stripped yaml: %w", err)
	}
	out.files = append(out.files, yamlRel)

	// Overwrites point consumers at the stripped YAML this service serves,
	// not the raw upstream file.
	yamlURL := "/files/" + yamlRel
	if r.cfg.PublicBaseURL != "" {
		yamlURL = strings.TrimRight(r.cfg.PublicBaseURL, "/") + yamlURL
	}

	now := time.Now().UTC()
	for _, v := range variant.All() {
		content, err := r.renderer.Render(doc, r.cfg.SourceLabel, v, yamlURL)
		if err != nil {
			metrics.IncRefreshFailure("render")
			return nil, fmt.Errorf("render %s: %w", v.Suffix(), err)
		}

		filename := variant.Filename(r.cfg.SourceLabel, name, v)
		rel := "overwrites/" + filename
		out.files = append(out.files, rel)

		sum := hashContent(content)
		if previous[filename] == sum && fileExists(r.cfg.DataDir, rel) {
			out.skipped++
			continue
		}

		if _, _, err := r.writeOutput(rel, content); err != nil {
			metrics.IncRefreshFailure("write")
			return nil, fmt.Errorf("write %s: %w", filename, err)
		}
		out.written++
		out.artifacts = append(out.artifacts, history.Artifact{
			Filename: filename,
			Source:   r.cfg.SourceLabel + "-" + name,
			Variant:  v.Suffix(),
			SHA256:   sum,
			Written:  now,
		})
	}

	return out, nil
}
