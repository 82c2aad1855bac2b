package reputation

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	"github.com/lfrfrfr/beon-ipshield/internal/scoring"
	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// CacheSourceName is reported as the only source of a cache hit
const CacheSourceName = "cache"

// Config holds evaluator timeouts
type Config struct {
	// SourceTimeout bounds each source query
	SourceTimeout time.Duration
	// EvaluationTimeout bounds the whole fan-out
	EvaluationTimeout time.Duration
}

// DefaultConfig returns the default evaluator timeouts
func DefaultConfig() Config {
	return Config{
		SourceTimeout:     3 * time.Second,
		EvaluationTimeout: 5 * time.Second,
	}
}

// Evaluator aggregates source scores behind a TTL cache
type Evaluator struct {
	sources []Source
	cache   cache.Cache
	scorer  *scoring.Scorer
	config  Config
}

// NewEvaluator creates an evaluator. A nil cache disables caching.
func NewEvaluator(sources []Source, c cache.Cache, scorer *scoring.Scorer, cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = def.EvaluationTimeout
	}
	if scorer == nil {
		scorer = scoring.NewDefault()
	}
	return &Evaluator{sources: sources, cache: c, scorer: scorer, config: cfg}
}

// Sources returns the names of the configured sources
func (e *Evaluator) Sources() []string {
	names := make([]string, len(e.sources))
	for i, s := range e.sources {
		names[i] = s.Name()
	}
	return names
}

// Evaluate returns the aggregate trust score of ip. Source failures only
// drop that source's vote; the result is cached unless no source voted.
func (e *Evaluator) Evaluate(ctx context.Context, ip string) (*models.ReputationEvaluation, error) {
	addr, err := iputil.ParseIP(ip)
	if err != nil {
		return nil, err
	}
	key := addr.String()

	if e.cache != nil {
		score, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("Reputation cache read failed", zap.String("ip", key), zap.Error(err))
		}
		metrics.RecordCacheOperation("get", ok && err == nil)
		if ok && err == nil {
			result := &models.ReputationEvaluation{
				ShouldBlock: e.scorer.ShouldBlock(score),
				Score:       score,
				Sources:     []string{CacheSourceName},
			}
			metrics.RecordReputationEvaluation(true, result.ShouldBlock, score)
			return result, nil
		}
	}

	scores, names := e.query(ctx, addr)

	if len(scores) == 0 {
		baseline := e.scorer.Baseline()
		metrics.RecordReputationEvaluation(false, false, baseline)
		return &models.ReputationEvaluation{Score: baseline, Sources: []string{}}, nil
	}

	score := e.scorer.Aggregate(scores)
	result := &models.ReputationEvaluation{
		ShouldBlock: e.scorer.ShouldBlock(score),
		Score:       score,
		Sources:     names,
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, score); err != nil {
			logger.Warn("Reputation cache write failed", zap.String("ip", key), zap.Error(err))
		}
	}

	metrics.RecordReputationEvaluation(false, result.ShouldBlock, score)
	logger.Debug("Reputation evaluated",
		zap.String("ip", key),
		zap.Float64("score", scoring.Round(score)),
		zap.String("trust", e.scorer.ClassifyTrust(score)),
		zap.Strings("sources", names))
	return result, nil
}

type vote struct {
	score float64
	ok    bool
}

// query fans out to every source under the evaluation deadline. Votes are
// returned in source order.
func (e *Evaluator) query(ctx context.Context, addr netip.Addr) ([]float64, []string) {
	evalCtx, cancel := context.WithTimeout(ctx, e.config.EvaluationTimeout)
	defer cancel()

	votes := make([]vote, len(e.sources))
	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			score, err := e.ask(evalCtx, src, addr)
			if err == nil {
				votes[i] = vote{score: score, ok: true}
			}
			return nil
		})
	}
	_ = g.Wait()

	var scores []float64
	var names []string
	for i, v := range votes {
		if v.ok {
			scores = append(scores, v.score)
			names = append(names, e.sources[i].Name())
		}
	}
	return scores, names
}

// ask queries one source under the per-source timeout. A source that
// ignores cancellation is abandoned when the timeout fires.
func (e *Evaluator) ask(ctx context.Context, src Source, addr netip.Addr) (float64, error) {
	srcCtx, cancel := context.WithTimeout(ctx, e.config.SourceTimeout)
	defer cancel()

	type answer struct {
		score float64
		err   error
	}
	done := make(chan answer, 1)
	go func() {
		score, err := src.Score(srcCtx, addr)
		done <- answer{score: score, err: err}
	}()

	var ans answer
	select {
	case ans = <-done:
	case <-srcCtx.Done():
		ans = answer{err: srcCtx.Err()}
	}

	switch {
	case ans.err == nil && (ans.score < 0 || ans.score > 100):
		logger.Debug("Reputation source returned out-of-range score",
			zap.String("source", src.Name()), zap.Float64("score", ans.score))
		metrics.RecordReputationSource(src.Name(), "error")
		return 0, errOutOfRange
	case ans.err == nil:
		metrics.RecordReputationSource(src.Name(), "ok")
	case errors.Is(ans.err, ErrNoData):
		metrics.RecordReputationSource(src.Name(), "no_data")
	case errors.Is(ans.err, context.DeadlineExceeded) || errors.Is(ans.err, context.Canceled):
		logger.Debug("Reputation source timed out", zap.String("source", src.Name()), zap.String("ip", addr.String()))
		metrics.RecordReputationSource(src.Name(), "timeout")
	default:
		logger.Debug("Reputation source failed", zap.String("source", src.Name()),
			zap.String("ip", addr.String()), zap.Error(ans.err))
		metrics.RecordReputationSource(src.Name(), "error")
	}
	return ans.score, ans.err
}

var errOutOfRange = errors.New("score out of range")

// Evict clears every cached score
func (e *Evaluator) Evict(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Clear(ctx)
}

// CacheStats returns statistics of the score cache
func (e *Evaluator) CacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if e.cache == nil {
		return &cache.CacheStats{}, nil
	}
	return e.cache.Stats(ctx)
}
