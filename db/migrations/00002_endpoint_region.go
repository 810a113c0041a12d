package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/tfkr-ae/rotor/domain"
	_ "modernc.org/sqlite"
)

func init() {
	goose.AddMigrationContext(upEndpointRegion, downEndpointRegion)
}

// upEndpointRegion adds the region column to endpoints and fills it from the
// endpoint URL for rows written before regions were stored.
func upEndpointRegion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE endpoints ADD COLUMN region TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("adding region column : %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT domain, url FROM endpoints WHERE region = ''")
	if err != nil {
		return fmt.Errorf("getting endpoints without region : %w", err)
	}

	type key struct{ domain, url string }
	var pending []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.domain, &k.url); err != nil {
			rows.Close()
			return fmt.Errorf("scanning endpoint : %w", err)
		}
		pending = append(pending, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating endpoints : %w", err)
	}
	rows.Close()

	for _, k := range pending {
		_, err := tx.ExecContext(ctx, "UPDATE endpoints SET region = ? WHERE domain = ? AND url = ?",
			domain.InferRegion(k.url), k.domain, k.url)
		if err != nil {
			return fmt.Errorf("updating endpoint %s : %w", k.url, err)
		}
	}
	return nil
}

func downEndpointRegion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE endpoints DROP COLUMN region")
	if err != nil {
		return fmt.Errorf("dropping region column : %w", err)
	}
	return nil
}
