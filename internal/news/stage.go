package news

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/momentum-trader/internal/extractor"
	"github.com/rickgao/momentum-trader/internal/model"
	"github.com/rickgao/momentum-trader/internal/pipeline"
)

// Extractor resolves a headline to a symbol.
type Extractor interface {
	Extract(ctx context.Context, req extractor.Request) (extractor.Response, error)
}

// Config tunes the news stage.
type Config struct {
	MinConfidence float64       // extractor results below this are dropped
	DedupTTL      time.Duration // article ID suppression window
	LatencyBudget time.Duration // per-article budget excluding extractor I/O
	QueueSize     int
}

// DefaultConfig returns news stage defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		DedupTTL:      60 * time.Second,
		LatencyBudget: 50 * time.Millisecond,
		QueueSize:     1024,
	}
}

// Stage consumes broker articles and emits at most one ticker event per
// article.
type Stage struct {
	cfg    Config
	logger *slog.Logger
	source <-chan model.NewsArticle
	client Extractor
	out    *pipeline.Queue[model.TickerEvent]

	mu   sync.Mutex
	seen map[string]time.Time // article ID -> first seen

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStage creates the news stage. source is the bridge article channel.
func NewStage(cfg Config, source <-chan model.NewsArticle, client Extractor, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 60 * time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = 50 * time.Millisecond
	}

	return &Stage{
		cfg:    cfg,
		logger: logger,
		source: source,
		client: client,
		out:    pipeline.NewQueue[model.TickerEvent](cfg.QueueSize, pipeline.PolicyBlock),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Events returns the resolved ticker event queue.
func (s *Stage) Events() *pipeline.Queue[model.TickerEvent] {
	return s.out
}

// Start launches the resolution loop.
func (s *Stage) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop terminates the loop and closes the output queue.
func (s *Stage) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.out.Close()
}

// drainTimeout bounds how long the stopping loop keeps handling articles
// the feed already delivered.
const drainTimeout = 2 * time.Second

func (s *Stage) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case article := <-s.source:
			s.handle(s.ctx, article)
		}
	}
}

func (s *Stage) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		select {
		case article, ok := <-s.source:
			if !ok {
				return
			}
			s.handle(ctx, article)
		default:
			return
		}
	}
}

func (s *Stage) handle(ctx context.Context, article model.NewsArticle) {
	start := time.Now()

	if s.duplicate(article.ArticleID) {
		s.logger.Debug("duplicate article suppressed", "article_id", article.ArticleID)
		return
	}

	symbol, extractDur, ok := s.resolve(ctx, article)
	if !ok {
		return
	}

	ev := model.TickerEvent{
		Symbol:      symbol,
		ArticleID:   article.ArticleID,
		PublishedAt: article.PublishedAt,
		ReceivedAt:  article.ReceivedAt,
	}
	if err := s.out.Put(ctx, ev); err != nil {
		return
	}
	s.logger.Info("ticker resolved",
		"symbol", symbol, "article_id", article.ArticleID, "headline", article.Headline)

	if own := time.Since(start) - extractDur; own > s.cfg.LatencyBudget {
		s.logger.Warn("news stage over latency budget",
			"article_id", article.ArticleID, "elapsed", own, "budget", s.cfg.LatencyBudget)
	}
}

// duplicate records the article ID and reports whether it was already seen
// within the suppression window. Expired entries are purged on the way.
func (s *Stage) duplicate(articleID string) bool {
	now := s.now()
	cutoff := now.Add(-s.cfg.DedupTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
		}
	}

	if _, ok := s.seen[articleID]; ok {
		return true
	}
	s.seen[articleID] = now
	return false
}

// resolve picks the symbol an article is about: first valid provider hint,
// then the extractor service. Returns the time spent in the extractor so
// the caller can exclude it from the stage latency budget.
func (s *Stage) resolve(ctx context.Context, article model.NewsArticle) (string, time.Duration, bool) {
	for _, hint := range article.SymbolsHint {
		hint = strings.ToUpper(strings.TrimSpace(hint))
		if model.ValidSymbol(hint) {
			return hint, 0, true
		}
	}

	extractStart := time.Now()
	resp, err := s.client.Extract(ctx, extractor.Request{
		Text: article.Headline,
		Hint: article.SymbolsHint,
	})
	extractDur := time.Since(extractStart)
	if err != nil {
		s.logger.Warn("extraction failed",
			"article_id", article.ArticleID, "error", err)
		return "", extractDur, false
	}

	symbol := strings.ToUpper(strings.TrimSpace(resp.Symbol))
	if symbol == "" {
		s.logger.Debug("no ticker in article", "article_id", article.ArticleID)
		return "", extractDur, false
	}
	if resp.Confidence < s.cfg.MinConfidence {
		s.logger.Debug("extraction below confidence floor",
			"article_id", article.ArticleID, "symbol", symbol, "confidence", resp.Confidence)
		return "", extractDur, false
	}
	if !model.ValidSymbol(symbol) {
		s.logger.Warn("extractor returned invalid symbol",
			"article_id", article.ArticleID, "symbol", symbol)
		return "", extractDur, false
	}
	return symbol, extractDur, true
}
