// Package mirror picks the fastest CDN base that publishes the current
// release.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/manifest"
	"github.com/BadgerOps/gamesync/internal/safety"
)

const (
	speedTestTimeout    = 5 * time.Second
	speedTestMaxWorkers = 10
	defaultCacheTTL     = 10 * time.Minute
	maxPointerBytes     = 4 << 10
)

type cacheEntry struct {
	result    SpeedResult
	fetchedAt time.Time
}

// Selector probes CDN bases and remembers the results for a while so a
// long running server does not re-probe on every sync.
type Selector struct {
	client   *http.Client
	logger   *slog.Logger
	cache    map[string]cacheEntry
	mu       sync.RWMutex
	cacheTTL time.Duration
	now      func() time.Time
}

// NewSelector creates a Selector. A nil client gets a short-timeout default.
func NewSelector(client *http.Client, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = safety.NewHTTPClient(speedTestTimeout, speedTestTimeout)
	}
	return &Selector{
		client:   client,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
	}
}

// Select returns the CDN base to use. A single candidate is returned
// without probing. Otherwise the fastest base that serves the same release
// label as the first reachable base (in configured order) wins.
func (s *Selector) Select(ctx context.Context, bases []string) (string, []SpeedResult, error) {
	switch len(bases) {
	case 0:
		return "", nil, fmt.Errorf("no CDN bases configured")
	case 1:
		return bases[0], nil, nil
	}

	results := s.SpeedTest(ctx, bases)

	var wantLabel string
	for _, b := range bases {
		for _, r := range results {
			if r.URL == b && r.OK() {
				wantLabel = r.Label
				break
			}
		}
		if wantLabel != "" {
			break
		}
	}
	if wantLabel == "" {
		return "", results, &failure.NetworkError{Op: "select mirror", URL: bases[0], Err: fmt.Errorf("no CDN base reachable")}
	}

	for _, r := range results {
		if r.OK() && r.Label == wantLabel {
			s.logger.Info("selected CDN", "url", r.URL, "latency_ms", r.LatencyMs, "label", r.Label)
			return r.URL, results, nil
		}
	}
	return bases[0], results, nil
}

// SpeedTest probes every base and returns results sorted by throughput
// descending, errors last.
func (s *Selector) SpeedTest(ctx context.Context, bases []string) []SpeedResult {
	results := make([]SpeedResult, len(bases))
	var pending []int
	for i, b := range bases {
		if r, ok := s.cached(b); ok {
			results[i] = r
			continue
		}
		pending = append(pending, i)
	}

	sem := make(chan struct{}, speedTestMaxWorkers)
	var wg sync.WaitGroup
	for _, idx := range pending {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r := s.probe(ctx, bases[idx])
			results[idx] = r
			if ctx.Err() == nil {
				s.store(r)
			}
		}(idx)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].OK() && results[j].OK() {
			return false
		}
		if results[i].OK() && !results[j].OK() {
			return true
		}
		if results[i].ThroughputKBps != results[j].ThroughputKBps {
			return results[i].ThroughputKBps > results[j].ThroughputKBps
		}
		return results[i].LatencyMs < results[j].LatencyMs
	})
	return results
}

// Invalidate drops all cached probe results.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}

// probe measures HEAD latency on {base}latest, then GETs the pointer to
// learn the label and a rough throughput figure.
func (s *Selector) probe(ctx context.Context, base string) SpeedResult {
	sr := SpeedResult{URL: base}
	pointerURL := base + "latest"

	reqCtx, cancel := context.WithTimeout(ctx, speedTestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, pointerURL, nil)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	req.Header.Set("User-Agent", "gamesync/1.0")

	start := time.Now()
	resp, err := s.client.Do(req)
	sr.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	resp.Body.Close()

	req, err = http.NewRequestWithContext(reqCtx, http.MethodGet, pointerURL, nil)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	req.Header.Set("User-Agent", "gamesync/1.0")

	start = time.Now()
	resp, err = s.client.Do(req)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPointerBytes))
		sr.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return sr
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxPointerBytes)
	elapsed := time.Since(start)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	label, _, _, err := manifest.ParsePointer(body)
	if err != nil {
		sr.Error = strings.TrimSpace(err.Error())
		return sr
	}
	sr.Label = label
	if elapsed.Seconds() > 0 {
		sr.ThroughputKBps = float64(len(body)) / elapsed.Seconds() / 1024.0
	}
	return sr
}

func (s *Selector) cached(base string) (SpeedResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[base]
	if !ok || s.now().Sub(e.fetchedAt) > s.cacheTTL {
		return SpeedResult{}, false
	}
	return e.result, true
}

func (s *Selector) store(r SpeedResult) {
	s.mu.Lock()
	s.cache[r.URL] = cacheEntry{result: r, fetchedAt: s.now()}
	s.mu.Unlock()
}
