package plugin

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/plugapi/internal/fs"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/metrics"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// Candidate is a module file found under the plugin root.
type Candidate struct {
	// Source is the root-relative, slash separated file path.
	Source string
	// Path is the file path on disk.
	Path string
	// Namespace is the root-relative folder, empty at the root.
	Namespace string
	// Base is the file name without extension.
	Base string
}

func newCandidate(root, rel string) Candidate {
	base := path.Base(rel)
	return Candidate{
		Source:    rel,
		Path:      filepath.Join(root, filepath.FromSlash(rel)),
		Namespace: namespaceOf(rel),
		Base:      strings.TrimSuffix(base, path.Ext(base)),
	}
}

// Discover walks root depth-first in lexical order and returns every module
// file. Hidden files and folders are skipped. A missing root is created.
func Discover(root string) ([]Candidate, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin root: %w", err)
	}
	var out []Candidate
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if fs.Hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(d.Name()) != script.Extension {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, newCandidate(root, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return out, nil
}

// Report summarizes one scan.
type Report struct {
	ID        string        `json:"id"`
	Root      string        `json:"root"`
	Plugins   int           `json:"plugins"`
	Endpoints int           `json:"endpoints"`
	Failed    []string      `json:"failed"`
	Warnings  []string      `json:"warnings"`
	Pruned    []string      `json:"pruned"`
	Duration  time.Duration `json:"duration"`
}

type loadResult struct {
	cand     Candidate
	entry    *Entry
	warnings []*NormalizationWarning
	err      error
}

// Scan discovers every module under the root, loads them and registers them
// in discovery order. Entries whose file disappeared are removed. Rescanning
// an unchanged tree yields the same endpoint set.
func (m *Manager) Scan(ctx context.Context) (*Report, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	start := time.Now()

	cands, err := Discover(m.root)
	if err != nil {
		return nil, err
	}

	results := make([]loadResult, len(cands))
	discard := func() {
		for _, r := range results {
			if r.entry != nil {
				r.entry.module.Close()
			}
		}
	}
	if m.workers <= 1 {
		for i, c := range cands {
			if err := ctx.Err(); err != nil {
				discard()
				return nil, err
			}
			results[i] = m.load(c)
			if m.afterLoad != nil {
				m.afterLoad(results[i])
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.workers)
		for i, c := range cands {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = m.load(c)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			discard()
			return nil, err
		}
	}

	rep := &Report{ID: uuid.NewString(), Root: m.root, Failed: []string{}, Warnings: []string{}, Pruned: []string{}}
	seen := make(map[string]bool, len(results))
	var retired []*Entry
	for _, r := range results {
		seen[r.cand.Source] = true
		for _, w := range r.warnings {
			rep.Warnings = append(rep.Warnings, w.Error())
		}
		unlock := m.lockSource(r.cand.Source)
		prev, err := m.apply(r)
		unlock()
		if err != nil {
			rep.Failed = append(rep.Failed, err.Error())
			continue
		}
		if prev != nil {
			retired = append(retired, prev)
		}
	}

	for _, src := range m.reg.Sources() {
		if seen[src] {
			continue
		}
		unlock := m.lockSource(src)
		if e, ok := m.reg.Remove(src); ok {
			retired = append(retired, e)
			rep.Pruned = append(rep.Pruned, src)
		}
		unlock()
	}

	m.sync(retired...)
	rep.Plugins = len(m.reg.Plugins())
	rep.Endpoints = len(m.reg.Endpoints())
	rep.Duration = time.Since(start)
	logx.Log.Info().
		Str("root", m.root).
		Int("plugins", rep.Plugins).
		Int("endpoints", rep.Endpoints).
		Int("failed", len(rep.Failed)).
		Dur("took", rep.Duration).
		Msgf("registered %d endpoints", rep.Endpoints)
	return rep, nil
}

// load reads, compiles and normalizes one candidate. Nothing is registered.
func (m *Manager) load(c Candidate) loadResult {
	res := loadResult{cand: c}
	src, sum, err := fs.ReadFile(c.Path)
	if err != nil {
		res.err = &LoadError{File: c.Source, Err: err}
		return res
	}
	mod, err := script.Compile(c.Path, src, m.opts)
	if err != nil {
		res.err = &LoadError{File: c.Source, Err: err}
		return res
	}
	n, err := Normalize(Unit{Module: mod, Source: c.Source, Namespace: c.Namespace, Base: c.Base})
	if err != nil {
		mod.Close()
		res.err = err
		return res
	}
	res.warnings = n.Warnings
	if n.Shape == ShapeUnknown {
		mod.Close()
		res.err = n.Warnings[0]
		return res
	}
	warnings := make([]string, 0, len(n.Warnings))
	for _, w := range n.Warnings {
		warnings = append(warnings, w.Reason)
	}
	res.entry = &Entry{
		Name:        n.Meta.Name,
		Source:      c.Source,
		Path:        c.Path,
		Namespace:   c.Namespace,
		Shape:       n.Shape,
		Version:     n.Meta.Version,
		Description: n.Meta.Description,
		Checksum:    sum,
		Warnings:    warnings,
		Endpoints:   n.Records,
		module:      mod,
	}
	return res
}

// apply stores a load result in the registry. The caller holds the source
// lock. The replaced entry is returned so its module can be closed once the
// dispatcher no longer routes to it.
func (m *Manager) apply(r loadResult) (*Entry, error) {
	if r.err != nil {
		kind := "load"
		if _, ok := r.err.(*NormalizationWarning); ok {
			kind = "normalize"
		}
		metrics.RecordLoadFailure(kind)
		logx.Log.Error().Str("file", r.cand.Source).Err(r.err).Msg("plugin skipped")
		m.reg.Fail(r.cand.Source, r.cand.Path, r.err)
		return nil, r.err
	}
	for _, w := range r.entry.Warnings {
		logx.Log.Warn().Str("file", r.cand.Source).Str("reason", w).Msg("plugin declaration dropped")
	}
	prev := m.reg.Register(r.entry)
	logx.Log.Debug().
		Str("file", r.cand.Source).
		Str("plugin", r.entry.Name).
		Str("shape", r.entry.Shape.String()).
		Int("endpoints", len(r.entry.Endpoints)).
		Msg("plugin registered")
	return prev, nil
}
