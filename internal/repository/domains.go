package repository

import (
	"context"
	"fmt"
)

// DomainRepository backs internal/cache.DomainSource: the administratively
// editable blocked-domain list lives in Postgres and is polled on a
// bounded interval.
type DomainRepository struct {
	db DBPool
}

// NewDomainRepository builds a DomainRepository.
func NewDomainRepository(db DBPool) *DomainRepository {
	return &DomainRepository{db: db}
}

// ListBlockedDomains returns every currently-blocked domain suffix.
func (r *DomainRepository) ListBlockedDomains(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT domain FROM blocked_domains WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("repository: list blocked domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("repository: list blocked domains: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
