// Package cache provides Redis-backed caches for the pipeline: the
// blocked-domain set refresh loop and the gzip-compressed raw
// shopping-search response cache.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// DomainSource loads the current administratively-edited blocked-domain
// list.
type DomainSource interface {
	ListBlockedDomains(ctx context.Context) ([]string, error)
}

// BlockedDomainCache keeps a domainpolicy.BlockedSet fresh by polling
// DomainSource on a bounded interval, satisfying the "visible to all workers
// within 60s" requirement without per-check network I/O.
type BlockedDomainCache struct {
	set      *domainpolicy.BlockedSet
	source   DomainSource
	interval time.Duration
	log      *logger.Logger
}

// NewBlockedDomainCache builds a cache refreshing at most every interval
// (default 60s).
func NewBlockedDomainCache(set *domainpolicy.BlockedSet, source DomainSource, interval time.Duration, log *logger.Logger) *BlockedDomainCache {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &BlockedDomainCache{set: set, source: source, interval: interval, log: log}
}

// Run blocks, refreshing the blocked set until ctx is cancelled. Intended to
// be started as a background goroutine from cmd/worker or cmd/api.
func (c *BlockedDomainCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce(ctx)
		}
	}
}

func (c *BlockedDomainCache) refreshOnce(ctx context.Context) {
	domains, err := c.source.ListBlockedDomains(ctx)
	if err != nil {
		c.log.Warn("blocked domain refresh failed", "error", err)
		return
	}
	c.set.Replace(domains)
	c.log.Debug("blocked domain set refreshed", "count", len(domains))
}

// SearchResponseCache stores the raw shopping-search response JSON per
// query, gzip-compressed, so repeated identical searches within the TTL
// avoid another external call.
type SearchResponseCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSearchResponseCache builds a cache with the given TTL (typ. 5
// minutes).
func NewSearchResponseCache(redisClient *redis.Client, ttl time.Duration) *SearchResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SearchResponseCache{redis: redisClient, ttl: ttl}
}

func (c *SearchResponseCache) key(query string) string {
	return fmt.Sprintf("search_response:%s", query)
}

// Get returns the cached raw response bytes for query, or an error on miss.
func (c *SearchResponseCache) Get(ctx context.Context, query string) ([]byte, error) {
	data, err := c.redis.Get(ctx, c.key(query)).Bytes()
	if err != nil {
		return nil, err
	}
	return decompress(data)
}

// Set stores raw response bytes for query.
func (c *SearchResponseCache) Set(ctx context.Context, query string, raw []byte) error {
	compressed, err := compress(raw)
	if err != nil {
		return fmt.Errorf("cache: compress: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(query), compressed, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
