package db

import (
	"fmt"

	"github.com/tfkr-ae/rotor/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

func (repo *Repository) count(table string) (int, error) {
	var count int
	err := repo.dbConn.Get(&count, `SELECT COUNT(*) FROM `+table)
	if err != nil {
		return 0, fmt.Errorf("getting %s count : %w", table, err)
	}
	return count, nil
}

// CountGateways returns the number of inventory records.
func (repo *Repository) CountGateways() (int, error) {
	return repo.count("gateways")
}

// CountCaptured returns the number of captured requests.
func (repo *Repository) CountCaptured() (int, error) {
	return repo.count("captured")
}

// CountLogs returns the number of log entries.
func (repo *Repository) CountLogs() (int, error) {
	return repo.count("logs")
}
