package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// logRow is a row of the logs table. request_id is a soft reference: the
// captured request it names may have been dropped before it was stored.
type logRow struct {
	ID        uuid.UUID      `db:"id"`
	Timestamp time.Time      `db:"timestamp"`
	Level     string         `db:"level"`
	Message   string         `db:"message"`
	Context   Metadata       `db:"context"`
	RequestID sql.NullString `db:"request_id"`
	BatchID   sql.NullString `db:"batch_id"`
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullUUID(value sql.NullString) *uuid.UUID {
	if !value.Valid {
		return nil
	}
	id, err := uuid.Parse(value.String)
	if err != nil {
		return nil
	}
	return &id
}

func (row *logRow) toDomain() *domain.Log {
	return &domain.Log{
		ID:        row.ID,
		Timestamp: row.Timestamp,
		Level:     row.Level,
		Message:   row.Message,
		Context:   map[string]any(row.Context),
		RequestID: parseNullUUID(row.RequestID),
		BatchID:   parseNullUUID(row.BatchID),
	}
}

// InsertLog stores log.
func (repo *Repository) InsertLog(log *domain.Log) error {
	row := &logRow{
		ID:        log.ID,
		Timestamp: log.Timestamp,
		Level:     log.Level,
		Message:   log.Message,
		Context:   Metadata(log.Context),
		RequestID: nullUUID(log.RequestID),
		BatchID:   nullUUID(log.BatchID),
	}

	_, err := repo.dbConn.NamedExec(`INSERT INTO logs (id, level, timestamp, message, context, request_id, batch_id)
		VALUES (:id, :level, :timestamp, :message, :context, :request_id, :batch_id)`, row)
	if err != nil {
		return fmt.Errorf("inserting log %s : %w", log.ID, err)
	}
	return nil
}

func (repo *Repository) selectLogs(query string, args ...any) ([]*domain.Log, error) {
	var rows []*logRow
	if err := repo.dbConn.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	logs := make([]*domain.Log, len(rows))
	for i, row := range rows {
		logs[i] = row.toDomain()
	}
	return logs, nil
}

// GetLogs returns every log entry in timestamp order.
func (repo *Repository) GetLogs() ([]*domain.Log, error) {
	logs, err := repo.selectLogs(`SELECT * FROM logs ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("fetching logs : %w", err)
	}
	return logs, nil
}

// GetLogsByBatch returns the log entries of one provisioning batch in timestamp order.
func (repo *Repository) GetLogsByBatch(batchID uuid.UUID) ([]*domain.Log, error) {
	logs, err := repo.selectLogs(`SELECT * FROM logs WHERE batch_id = ? ORDER BY timestamp, id`, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("fetching logs of batch %s : %w", batchID, err)
	}
	return logs, nil
}
