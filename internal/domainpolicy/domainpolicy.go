// Package domainpolicy decides whether a candidate's URL is acceptable for
// acquisition: not blocked, not foreign, not a listing page, not a repeat
// domain for the current request. None of these checks perform network I/O.
package domainpolicy

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

// BlockedSet is the read-heavy, occasionally-updated set of blocked domain
// suffixes. It is safe for concurrent use; internal/cache.BlockedDomainCache
// owns the background refresh loop that keeps it current.
type BlockedSet struct {
	mu      sync.RWMutex
	domains map[string]struct{}
}

// defaultBlocked seeds the set with marketplaces and large retailers known
// for strong anti-bot defenses.
var defaultBlocked = []string{
	"mercadolivre.com.br",
	"amazon.com.br",
	"amazon.com",
	"shopee.com.br",
	"aliexpress.com",
	"magazineluiza.com.br",
	"americanas.com.br",
	"submarino.com.br",
	"shoptime.com.br",
	"casasbahia.com.br",
}

// NewBlockedSet builds a BlockedSet seeded with the default list.
func NewBlockedSet() *BlockedSet {
	b := &BlockedSet{domains: map[string]struct{}{}}
	b.Replace(defaultBlocked)
	return b
}

// Replace atomically swaps the entire blocked-domain set — used by the
// background refresh loop.
func (b *BlockedSet) Replace(domains []string) {
	m := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		m[strings.ToLower(d)] = struct{}{}
	}
	b.mu.Lock()
	b.domains = m
	b.mu.Unlock()
}

// IsBlocked reports whether host matches the blocked set by host suffix.
func (b *BlockedSet) IsBlocked(host string) bool {
	host = strings.ToLower(host)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for d := range b.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// foreignAllowlist is the set of global manufacturers accepted even on
// non-.br hosts, because they sell directly into Brazil.
var foreignAllowlist = map[string]struct{}{
	"dell.com":    {},
	"lenovo.com":  {},
	"samsung.com": {},
	"hp.com":      {},
	"lg.com":      {},
	"apple.com":   {},
	"asus.com":    {},
	"acer.com":    {},
}

var listingPathPattern = regexp.MustCompile(`/(busca|search|categoria|colecao)/`)

var comparatorAggregators = map[string]struct{}{
	"buscape.com.br": {},
	"zoom.com.br":    {},
	"jacotei.com.br": {},
}

// Policy evaluates DomainPolicy for a single QuoteRequest's candidates.
type Policy struct {
	blocked       *BlockedSet
	acceptedHosts map[string]struct{}
	mu            sync.Mutex
}

// New builds a Policy bound to one request's lifetime; acceptedHosts tracks
// which domains have already produced an accepted observation for this
// request (the duplicate-domain check).
func New(blocked *BlockedSet) *Policy {
	return &Policy{
		blocked:       blocked,
		acceptedHosts: map[string]struct{}{},
	}
}

// Check runs the four ordered checks and returns a failure reason, or "" if
// the URL is acceptable.
func (p *Policy) Check(rawURL string) models.FailureReason {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.FailureOther
	}
	host := strings.ToLower(u.Hostname())

	if p.blocked.IsBlocked(host) {
		return models.FailureBlockedDomain
	}

	if !strings.HasSuffix(host, ".br") && host != "br" {
		root := registrableRoot(host)
		if _, ok := foreignAllowlist[root]; !ok {
			return models.FailureForeignDomain
		}
	}

	if listingPathPattern.MatchString(u.Path) {
		return models.FailureListingURL
	}
	if strings.Contains(u.RawQuery, "q=") {
		return models.FailureListingURL
	}
	if _, ok := comparatorAggregators[host]; ok {
		return models.FailureListingURL
	}

	p.mu.Lock()
	_, dup := p.acceptedHosts[host]
	p.mu.Unlock()
	if dup {
		return models.FailureDuplicateURL
	}

	return ""
}

// MarkAccepted records that host has produced an accepted observation for
// this request, enforcing the at-most-one-per-domain invariant going
// forward.
func (p *Policy) MarkAccepted(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	host := strings.ToLower(u.Hostname())
	p.mu.Lock()
	p.acceptedHosts[host] = struct{}{}
	p.mu.Unlock()
}

func registrableRoot(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
