package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"licensecore/internal/store"
)

// componentHashLen is the width of a single component hash in hex characters.
const componentHashLen = 16

// StoreKey is the store key under which the cached fingerprint is persisted.
const StoreKey = "fingerprint"

// Confidence penalties applied for unavailable or failed signals.
const (
	penaltyGraphics = 15
	penaltyCanvas   = 15
	penaltyAudio    = 10
	penaltyCores    = 10
	penaltyMemory   = 10
)

// Attributes are the raw numeric and boolean device signals that are folded
// into the master hash alongside the component hashes.
type Attributes struct {
	Cores       int     `json:"cores"`
	MemoryBytes int64   `json:"memory_bytes"`
	Touch       bool    `json:"touch"`
	ColorDepth  int     `json:"color_depth"`
	PixelRatio  float64 `json:"pixel_ratio"`
}

// Result is the outcome of a fingerprint generation.
type Result struct {
	MasterHash  string            `json:"master_hash"`
	Components  map[string]string `json:"components"`
	Attributes  Attributes        `json:"attributes"`
	Confidence  int               `json:"confidence"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// cachedRecord is the persisted form of a fingerprint: only the master hash
// and generation time, never the raw signals.
type cachedRecord struct {
	MasterHash  string    `json:"master_hash"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generator derives a stable, privacy-preserving device identifier from the
// registered probes. Generation never fails; missing or erroring probes
// degrade the confidence score instead.
type Generator struct {
	probes       map[string]Probe
	store        store.Store
	maxAge       time.Duration
	probeTimeout time.Duration
	audioTimeout time.Duration
	coresFn      func() int
	memoryFn     func() int64
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	cached *Result
}

// Option configures a Generator.
type Option func(*Generator)

// WithProbes replaces the default host probe set.
func WithProbes(probes []Probe) Option {
	return func(g *Generator) {
		g.probes = make(map[string]Probe, len(probes))
		for _, p := range probes {
			g.probes[p.Name()] = p
		}
	}
}

// WithStore sets the persistence backend for the generated fingerprint.
func WithStore(s store.Store) Option {
	return func(g *Generator) { g.store = s }
}

// WithMaxAge sets the staleness horizon for cached fingerprints.
func WithMaxAge(d time.Duration) Option {
	return func(g *Generator) { g.maxAge = d }
}

// WithProbeTimeout bounds how long any single probe may run.
func WithProbeTimeout(d time.Duration) Option {
	return func(g *Generator) { g.probeTimeout = d }
}

// WithAudioTimeout bounds the audio probe specifically.
func WithAudioTimeout(d time.Duration) Option {
	return func(g *Generator) { g.audioTimeout = d }
}

// WithAttributeSources overrides the core-count and memory-size readers.
func WithAttributeSources(cores func() int, memory func() int64) Option {
	return func(g *Generator) {
		g.coresFn = cores
		g.memoryFn = memory
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a fingerprint generator with the default host probes.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		maxAge:       24 * time.Hour,
		probeTimeout: 5 * time.Second,
		audioTimeout: time.Second,
		coresFn:      runtime.NumCPU,
		memoryFn:     hostMemoryBytes,
		logger:       slog.Default(),
		now:          time.Now,
	}
	WithProbes(HostProbes())(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces a fingerprint, reusing the cached one while it is fresh.
// A cached fingerprint older than the staleness horizon is regenerated.
func (g *Generator) Generate(ctx context.Context) (*Result, error) {
	g.mu.RLock()
	if g.cached != nil && g.now().Sub(g.cached.GeneratedAt) < g.maxAge {
		cached := *g.cached
		g.mu.RUnlock()
		return &cached, nil
	}
	g.mu.RUnlock()

	start := g.now()
	raw := g.runProbes(ctx)

	attrs := Attributes{
		Cores:       g.coresFn(),
		MemoryBytes: g.memoryFn(),
	}

	components := make(map[string]string, len(componentOrder))
	var combined strings.Builder
	for _, name := range componentOrder {
		value, ok := raw[name]
		if !ok {
			value = Sentinel
		}
		h := componentHash(value)
		components[name] = h
		combined.WriteString(h)
	}
	fmt.Fprintf(&combined, "|cores:%d|mem:%d|touch:%t|depth:%d|ratio:%g",
		attrs.Cores, attrs.MemoryBytes, attrs.Touch, attrs.ColorDepth, attrs.PixelRatio)

	sum := sha256.Sum256([]byte(combined.String()))

	result := &Result{
		MasterHash:  hex.EncodeToString(sum[:]),
		Components:  components,
		Attributes:  attrs,
		Confidence:  g.confidence(raw, attrs),
		GeneratedAt: start,
	}

	g.persist(ctx, result)

	g.mu.Lock()
	g.cached = result
	g.mu.Unlock()

	g.logger.Debug("device fingerprint generated",
		slog.String("master_hash", result.MasterHash[:12]),
		slog.Int("confidence", result.Confidence),
		slog.Int("probes_ok", len(raw)),
		slog.Duration("duration", g.now().Sub(start)),
	)

	return result, nil
}

// Invalidate drops the in-memory cached fingerprint.
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

// CachedMasterHash returns the persisted master hash when it is still fresh.
func (g *Generator) CachedMasterHash(ctx context.Context) (string, time.Time, error) {
	if g.store == nil {
		return "", time.Time{}, store.ErrNotFound
	}
	data, err := g.store.Get(ctx, StoreKey)
	if err != nil {
		return "", time.Time{}, err
	}
	var rec cachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse cached fingerprint: %w", err)
	}
	if g.now().Sub(rec.GeneratedAt) >= g.maxAge {
		return "", time.Time{}, fmt.Errorf("cached fingerprint is stale: %w", store.ErrNotFound)
	}
	return rec.MasterHash, rec.GeneratedAt, nil
}

// runProbes executes all registered probes concurrently, each under its own
// bounded timeout. A probe that errors or times out is simply absent from the
// returned map.
func (g *Generator) runProbes(ctx context.Context) map[string]string {
	var mu sync.Mutex
	raw := make(map[string]string, len(g.probes))

	group, ctx := errgroup.WithContext(ctx)
	for _, probe := range g.probes {
		group.Go(func() error {
			timeout := g.probeTimeout
			if probe.Name() == ComponentAudio {
				timeout = g.audioTimeout
			}
			value, err := g.runProbe(ctx, probe, timeout)
			if err != nil {
				g.logger.Warn("fingerprint probe degraded to sentinel",
					slog.String("probe", probe.Name()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			raw[probe.Name()] = value
			mu.Unlock()
			return nil
		})
	}
	// Probes never return errors through the group; degradation is per-probe.
	_ = group.Wait()
	return raw
}

// runProbe runs one probe under a timeout. A stalled probe is abandoned; its
// goroutine is left to finish against the cancelled context.
func (g *Generator) runProbe(ctx context.Context, probe Probe, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value string
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		value, err := probe.Run(ctx)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("probe timed out after %s", timeout)
	}
}

// confidence starts at 100 and is penalized per unavailable signal, floored
// at zero.
func (g *Generator) confidence(raw map[string]string, attrs Attributes) int {
	score := 100
	if _, ok := raw[ComponentGraphics]; !ok {
		score -= penaltyGraphics
	}
	if _, ok := raw[ComponentCanvas]; !ok {
		score -= penaltyCanvas
	}
	if _, ok := raw[ComponentAudio]; !ok {
		score -= penaltyAudio
	}
	if attrs.Cores <= 0 {
		score -= penaltyCores
	}
	if attrs.MemoryBytes <= 0 {
		score -= penaltyMemory
	}
	if score < 0 {
		score = 0
	}
	return score
}

// persist writes the master hash and generation time to the store. Storage
// failures are logged and otherwise ignored; generation still succeeds.
func (g *Generator) persist(ctx context.Context, result *Result) {
	if g.store == nil {
		return
	}
	data, err := json.Marshal(cachedRecord{
		MasterHash:  result.MasterHash,
		GeneratedAt: result.GeneratedAt,
	})
	if err != nil {
		return
	}
	if err := g.store.Set(ctx, StoreKey, data); err != nil {
		g.logger.Warn("failed to persist fingerprint, continuing without cache",
			slog.String("error", err.Error()),
		)
	}
}

// componentHash hashes a raw probe value into a fixed-width component hash.
func componentHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:componentHashLen]
}
