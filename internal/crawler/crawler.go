package crawler

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"movereg/config"
	"movereg/internal/models"
	"movereg/internal/storage"
	"movereg/pkg/errors"
	"movereg/pkg/logger"
	"movereg/pkg/metrics"
)

// Searcher pages through the host's manifest code search.
type Searcher interface {
	SearchCode(ctx context.Context, page int, order string) ([]models.SearchHit, error)
}

// Fetcher resolves one repository reference to normalized metadata.
type Fetcher interface {
	FetchRepoData(ctx context.Context, repoURL, subpath, rev string) (*models.RepoMetadata, error)
}

// Ingester persists a crawled record through the get-or-create pipeline.
type Ingester interface {
	CreateFromCrawledData(ctx context.Context, params storage.IngestParams) (*models.Package, error)
}

// SeenCache remembers which search hits were already scraped. A nil
// cache, or a cache that errors, degrades to scraping everything.
type SeenCache interface {
	SetNX(key string, value interface{}, ttl time.Duration) (bool, error)
}

// Crawler drives search, scrape, dedupe and ingest once per page for
// the life of a crawl run.
type Crawler struct {
	searcher Searcher
	fetcher  Fetcher
	store    Ingester
	seen     SeenCache
	log      *logger.Logger
	retry    *errors.RetryPolicy

	cfg     config.CrawlerConfig
	delay   time.Duration
	seenTTL time.Duration
	workers int
}

// New assembles a crawler. seen may be nil.
func New(cfg *config.Config, searcher Searcher, fetcher Fetcher, store Ingester, seen SeenCache, log *logger.Logger) *Crawler {
	workers := cfg.Crawler.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Crawler{
		searcher: searcher,
		fetcher:  fetcher,
		store:    store,
		seen:     seen,
		log:      log,
		retry:    errors.NoDelayPolicy(cfg.Crawler.FetchAttempts),
		cfg:      cfg.Crawler,
		delay:    cfg.CrawlDelay(),
		seenTTL:  cfg.SeenCacheTTL(),
		workers:  workers,
	}
}

// Run walks the bounded page range once. The search window only yields
// its first ten pages reliably, so the requested page cycles through
// that window while the sort order flips halfway through the run to
// sample both ends of the ranked result set. Returns early when ctx is
// cancelled.
func (c *Crawler) Run(ctx context.Context) error {
	order := "desc"
	for iter := 1; iter <= c.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if iter == c.cfg.OrderFlipAt {
			order = "asc"
		}
		page := (iter % c.cfg.PageWindow) + 1

		hits, err := c.searcher.SearchCode(ctx, page, order)
		if err != nil {
			c.log.Warn().Err(err).Int("page", page).Str("order", order).Msg("search page failed, continuing")
			hits = nil
		}
		metrics.PagesCrawled.Inc()
		metrics.SearchHits.Add(float64(len(hits)))
		c.log.Info().Int("iteration", iter).Int("page", page).Str("order", order).
			Int("hits", len(hits)).Msg("found packages")

		hits = c.filterSeen(hits)

		start := time.Now()
		batch := c.Scrape(ctx, hits)
		metrics.ScrapeDuration.Observe(time.Since(start).Seconds())

		c.ingest(ctx, Dedupe(batch))

		// the iteration right before the order flip would otherwise wait twice
		if iter != c.cfg.SkipDelayAt {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}
	return nil
}

// Scrape fetches metadata for each hit concurrently, retrying each item
// up to the policy's attempt budget. Items that exhaust their attempts
// are dropped; there is no cross-iteration retry queue. Results are
// fanned in over a channel, so workers never share mutable state.
func (c *Crawler) Scrape(ctx context.Context, hits []models.SearchHit) []models.RepoMetadata {
	if len(hits) == 0 {
		return nil
	}

	results := make(chan models.RepoMetadata, len(hits))
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for _, hit := range hits {
		wg.Add(1)
		go func(hit models.SearchHit) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			meta, err := c.fetchWithRetry(ctx, hit)
			if err != nil {
				metrics.ReposScraped.WithLabelValues("dropped").Inc()
				c.log.Error().Err(err).Str("repo_url", hit.RepoURL).Msg("cannot get package info")
				return
			}

			normalizeMetadata(meta, hit)
			metrics.ReposScraped.WithLabelValues("fetched").Inc()
			results <- *meta
		}(hit)
	}

	wg.Wait()
	close(results)

	batch := make([]models.RepoMetadata, 0, len(hits))
	for meta := range results {
		batch = append(batch, meta)
	}
	return batch
}

func (c *Crawler) fetchWithRetry(ctx context.Context, hit models.SearchHit) (*models.RepoMetadata, error) {
	var meta *models.RepoMetadata
	attempt := 0
	err := errors.RetryWithPolicy(ctx, c.retry, func() error {
		if attempt > 0 {
			metrics.FetchRetries.Inc()
		}
		attempt++
		var err error
		meta, err = c.fetcher.FetchRepoData(ctx, hit.RepoURL, hit.ManifestPath, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Dedupe collapses a scrape batch by package identity. The last writer
// for an identity wins; worker completion order is unspecified, which
// is fine because identity-equal records are interchangeable for
// ingestion purposes.
func Dedupe(items []models.RepoMetadata) []models.RepoMetadata {
	byIdentity := make(map[models.PackageIdentity]models.RepoMetadata, len(items))
	order := make([]models.PackageIdentity, 0, len(items))
	for _, item := range items {
		id := item.Identity()
		if _, ok := byIdentity[id]; !ok {
			order = append(order, id)
		}
		byIdentity[id] = item
	}

	out := make([]models.RepoMetadata, 0, len(byIdentity))
	for _, id := range order {
		out = append(out, byIdentity[id])
	}
	return out
}

// ingest persists each deduplicated item in its own transaction. One
// bad item never aborts its siblings.
func (c *Crawler) ingest(ctx context.Context, batch []models.RepoMetadata) {
	for _, meta := range batch {
		if err := meta.Validate(); err != nil {
			metrics.IngestOutcome("invalid")
			c.log.Error().Err(err).Str("name", meta.Name).Str("version", meta.Version).
				Str("url", meta.URL).Msg("skipping crawled item")
			continue
		}

		_, err := c.store.CreateFromCrawledData(ctx, storage.IngestParams{
			RepoURL:     meta.URL,
			Description: meta.Description,
			Rev:         meta.Rev,
			TotalFiles:  models.ShadowTotalFiles,
			TotalSize:   meta.Size,
			ActorID:     nil,
			Metadata:    meta,
		})
		switch {
		case err == nil:
			metrics.IngestOutcome("created")
		case errors.IsConflict(err, errors.ConflictVersion):
			// already known; the crawl stream is full of repeats
			metrics.IngestOutcome("version_exists")
		case errors.IsConflict(err, errors.ConflictOwnership):
			metrics.IngestOutcome("ownership_conflict")
			c.log.Warn().Str("name", meta.Name).Str("url", meta.URL).Msg("owned package, skipping crawled version")
		default:
			metrics.IngestOutcome("error")
			c.log.Error().Err(err).Str("name", meta.Name).Str("url", meta.URL).Msg("ingest failed")
		}
	}
}

// filterSeen drops hits whose content URL was scraped within the cache
// TTL window.
func (c *Crawler) filterSeen(hits []models.SearchHit) []models.SearchHit {
	if c.seen == nil {
		return hits
	}

	fresh := hits[:0]
	for _, hit := range hits {
		set, err := c.seen.SetNX("crawler:seen:"+hit.ContentURL, 1, c.seenTTL)
		if err != nil {
			fresh = append(fresh, hit)
			continue
		}
		if set {
			fresh = append(fresh, hit)
		} else {
			metrics.ReposScraped.WithLabelValues("skipped").Inc()
		}
	}
	return fresh
}

// normalizeMetadata rewrites the record's URL to its canonical form and
// derives the source revision from the content-fetch URL.
//
// A manifest at the repo root keeps the bare repository URL. A manifest
// in a subdirectory gets a browsable subdirectory URL: the blob URL the
// search returned is rewritten from /blob/<sha>/ to /tree/<branch>/.
func normalizeMetadata(meta *models.RepoMetadata, hit models.SearchHit) {
	branch := meta.DefaultBranch
	if branch == "" {
		branch = "master"
	}

	if hit.ManifestPath == "Move.toml" {
		meta.URL = hit.RepoURL
	} else {
		meta.URL = strings.Replace(hit.HTMLURL, "/Move.toml", "", 1)
	}

	// e.g. https://github.com/alinush/aptos-core/blob/d594ba96.../aptos-move/framework/move-stdlib
	if strings.Contains(meta.URL, "/blob/") {
		tokens := strings.Split(meta.URL, "/")
		if len(tokens) > 6 && tokens[5] == "blob" {
			tokens[5] = "tree"
			tokens[6] = branch
			meta.URL = strings.Join(tokens, "/")
		}
	}

	meta.Rev = extractRef(hit.ContentURL)
}

// extractRef pulls the ref= query parameter out of a content URL like
// https://api.github.com/repositories/4678.../contents/path/Move.toml?ref=d594ba96...
func extractRef(contentURL string) string {
	if i := strings.LastIndex(contentURL, "ref="); i >= 0 {
		ref := contentURL[i+len("ref="):]
		if j := strings.IndexByte(ref, '&'); j >= 0 {
			ref = ref[:j]
		}
		return ref
	}
	return ""
}
