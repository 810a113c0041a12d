package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tfkr-ae/rotor/domain"
)

var _ domain.GatewayRepository = (*Repository)(nil)

type dbGateway struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Region    string    `db:"region"`
	Stage     string    `db:"stage"`
	TargetURL string    `db:"target_url"`
	PublicURL string    `db:"public_url"`
	CreatedAt time.Time `db:"created_at"`
}

func toDomainGateway(gw *dbGateway) *domain.RemoteGateway {
	return &domain.RemoteGateway{
		ID:        gw.ID,
		Name:      gw.Name,
		Region:    gw.Region,
		Stage:     gw.Stage,
		TargetURL: gw.TargetURL,
		PublicURL: gw.PublicURL,
		CreatedAt: gw.CreatedAt,
	}
}

func fromDomainGateway(gw *domain.RemoteGateway) *dbGateway {
	createdAt := gw.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &dbGateway{
		ID:        gw.ID,
		Name:      gw.Name,
		Region:    gw.Region,
		Stage:     gw.Stage,
		TargetURL: gw.TargetURL,
		PublicURL: gw.PublicURL,
		CreatedAt: createdAt.UTC(),
	}
}

const upsertGatewayQuery = `INSERT INTO gateways (id, name, region, stage, target_url, public_url, created_at)
	VALUES (:id, :name, :region, :stage, :target_url, :public_url, :created_at)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		region = excluded.region,
		stage = excluded.stage,
		target_url = excluded.target_url,
		public_url = excluded.public_url`

// UpsertGateway inserts gateway or replaces the record with the same ID. The
// creation time of an existing record is kept.
func (repo *Repository) UpsertGateway(gateway *domain.RemoteGateway) error {
	_, err := repo.dbConn.NamedExec(upsertGatewayQuery, fromDomainGateway(gateway))
	if err != nil {
		return fmt.Errorf("upserting gateway %s : %w", gateway.ID, err)
	}
	return nil
}

// GetGateways returns every known gateway, oldest first.
func (repo *Repository) GetGateways() ([]*domain.RemoteGateway, error) {
	var rows []*dbGateway
	err := repo.dbConn.Select(&rows, `SELECT * FROM gateways ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("getting gateways : %w", err)
	}

	gateways := make([]*domain.RemoteGateway, len(rows))
	for i, row := range rows {
		gateways[i] = toDomainGateway(row)
	}
	return gateways, nil
}

// GetGateway returns the record for id or ErrGatewayNotFound.
func (repo *Repository) GetGateway(id string) (*domain.RemoteGateway, error) {
	var row dbGateway
	err := repo.dbConn.Get(&row, `SELECT * FROM gateways WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting gateway %s : %w", id, ErrGatewayNotFound)
		}
		return nil, fmt.Errorf("getting gateway %s : %w", id, err)
	}
	return toDomainGateway(&row), nil
}

// DeleteGateway removes the record for id. Removing an unknown ID is not an error.
func (repo *Repository) DeleteGateway(id string) error {
	_, err := repo.dbConn.Exec(`DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting gateway %s : %w", id, err)
	}
	return nil
}

// ReplaceRegion replaces every record of region with gateways in one transaction.
func (repo *Repository) ReplaceRegion(region string, gateways []*domain.RemoteGateway) error {
	tx, err := repo.dbConn.Beginx()
	if err != nil {
		return fmt.Errorf("starting transaction : %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM gateways WHERE region = ?`, region); err != nil {
		return fmt.Errorf("clearing region %s : %w", region, err)
	}

	for _, gateway := range gateways {
		row := fromDomainGateway(gateway)
		row.Region = region
		if _, err := tx.NamedExec(upsertGatewayQuery, row); err != nil {
			return fmt.Errorf("inserting gateway %s : %w", gateway.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing region %s : %w", region, err)
	}
	return nil
}
