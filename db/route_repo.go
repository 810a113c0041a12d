package db

import (
	"fmt"

	"github.com/tfkr-ae/rotor/domain"
)

var _ domain.RouteRepository = (*Repository)(nil)

type dbSettings struct {
	Enabled              bool `db:"enabled"`
	PreserveOriginalHost bool `db:"preserve_original_host"`
}

type dbDomain struct {
	Name     string `db:"name"`
	Strategy string `db:"strategy"`
	Position int    `db:"position"`
}

type dbEndpoint struct {
	Domain   string `db:"domain"`
	URL      string `db:"url"`
	Region   string `db:"region"`
	Weight   int    `db:"weight"`
	Position int    `db:"position"`
}

// LoadRoutes reads the registry snapshot. Domains and endpoints keep the order
// they were saved in.
func (repo *Repository) LoadRoutes() (*domain.Snapshot, error) {
	var settings dbSettings
	err := repo.dbConn.Get(&settings, `SELECT enabled, preserve_original_host FROM settings WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("getting settings : %w", err)
	}

	var domains []dbDomain
	err = repo.dbConn.Select(&domains, `SELECT name, strategy, position FROM domains ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("getting domains : %w", err)
	}

	var endpoints []dbEndpoint
	err = repo.dbConn.Select(&endpoints, `SELECT domain, url, region, weight, position FROM endpoints ORDER BY domain, position`)
	if err != nil {
		return nil, fmt.Errorf("getting endpoints : %w", err)
	}

	byDomain := make(map[string][]domain.Endpoint, len(domains))
	for _, ep := range endpoints {
		byDomain[ep.Domain] = append(byDomain[ep.Domain], domain.Endpoint{
			URL:    ep.URL,
			Region: ep.Region,
			Weight: ep.Weight,
		})
	}

	snapshot := &domain.Snapshot{
		Enabled:              settings.Enabled,
		PreserveOriginalHost: settings.PreserveOriginalHost,
		Domains:              make([]domain.DomainRoutes, 0, len(domains)),
	}
	for _, d := range domains {
		strategy, err := domain.ParseStrategy(d.Strategy)
		if err != nil {
			return nil, fmt.Errorf("reading strategy of %s : %w", d.Name, err)
		}
		snapshot.Domains = append(snapshot.Domains, domain.DomainRoutes{
			Domain:    d.Name,
			Strategy:  strategy,
			Endpoints: byDomain[d.Name],
		})
	}

	return snapshot, nil
}

// SaveRoutes replaces the stored registry state with snapshot in one transaction.
func (repo *Repository) SaveRoutes(snapshot *domain.Snapshot) error {
	tx, err := repo.dbConn.Beginx()
	if err != nil {
		return fmt.Errorf("starting transaction : %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE settings SET enabled = ?, preserve_original_host = ? WHERE id = 1`,
		snapshot.Enabled, snapshot.PreserveOriginalHost)
	if err != nil {
		return fmt.Errorf("updating settings : %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM endpoints`); err != nil {
		return fmt.Errorf("clearing endpoints : %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM domains`); err != nil {
		return fmt.Errorf("clearing domains : %w", err)
	}

	for i, routes := range snapshot.Domains {
		row := dbDomain{Name: routes.Domain, Strategy: routes.Strategy.String(), Position: i}
		_, err := tx.NamedExec(`INSERT INTO domains (name, strategy, position) VALUES (:name, :strategy, :position)`, row)
		if err != nil {
			return fmt.Errorf("inserting domain %s : %w", routes.Domain, err)
		}

		for j, ep := range routes.Endpoints {
			row := dbEndpoint{
				Domain:   routes.Domain,
				URL:      ep.URL,
				Region:   ep.Region,
				Weight:   domain.ClampWeight(ep.Weight),
				Position: j,
			}
			_, err := tx.NamedExec(`INSERT INTO endpoints (domain, url, region, weight, position)
			                        VALUES (:domain, :url, :region, :weight, :position)`, row)
			if err != nil {
				return fmt.Errorf("inserting endpoint %s : %w", ep.URL, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing routes : %w", err)
	}
	return nil
}
