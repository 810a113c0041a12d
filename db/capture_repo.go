package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tfkr-ae/rotor/domain"
)

var _ domain.TrafficRepository = (*Repository)(nil)

type dbCapturedRequest struct {
	ID          uuid.UUID `db:"id"`
	Scheme      string    `db:"scheme"`
	Host        string    `db:"host"`
	Port        string    `db:"port"`
	Method      string    `db:"method"`
	Path        string    `db:"path"`
	RequestedAt time.Time `db:"requested_at"`
}

func toDomainCapturedRequest(row *dbCapturedRequest) *domain.CapturedRequest {
	return &domain.CapturedRequest{
		ID:          row.ID,
		Scheme:      row.Scheme,
		Host:        row.Host,
		Port:        row.Port,
		Method:      row.Method,
		Path:        row.Path,
		RequestedAt: row.RequestedAt,
	}
}

func fromDomainCapturedRequest(req *domain.CapturedRequest) *dbCapturedRequest {
	return &dbCapturedRequest{
		ID:          req.ID,
		Scheme:      req.Scheme,
		Host:        req.Host,
		Port:        req.Port,
		Method:      req.Method,
		Path:        req.Path,
		RequestedAt: req.RequestedAt,
	}
}

// InsertCapturedRequest stores a captured request summary.
func (repo *Repository) InsertCapturedRequest(req *domain.CapturedRequest) error {
	query := `INSERT INTO captured (id, scheme, host, port, method, path, requested_at)
	          VALUES (:id, :scheme, :host, :port, :method, :path, :requested_at)`

	_, err := repo.dbConn.NamedExec(query, fromDomainCapturedRequest(req))
	if err != nil {
		return fmt.Errorf("inserting captured request %s : %w", req.ID, err)
	}
	return nil
}

// GetCapturedRequests returns the most recent captured requests, newest first.
// A limit of zero or less returns all of them.
func (repo *Repository) GetCapturedRequests(limit int) ([]*domain.CapturedRequest, error) {
	query := `SELECT * FROM captured ORDER BY requested_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []*dbCapturedRequest
	if err := repo.dbConn.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("getting captured requests : %w", err)
	}

	captured := make([]*domain.CapturedRequest, len(rows))
	for i, row := range rows {
		captured[i] = toDomainCapturedRequest(row)
	}
	return captured, nil
}

// GetCapturedRequestsByID returns the captured requests matching ids in the order
// the ids are given. Unknown ids are skipped; ErrNoCapturedRequests is returned
// when nothing matches.
func (repo *Repository) GetCapturedRequestsByID(ids []uuid.UUID) ([]*domain.CapturedRequest, error) {
	if len(ids) == 0 {
		return nil, ErrNoCapturedRequests
	}

	query, args, err := sqlx.In(`SELECT * FROM captured WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("building captured query : %w", err)
	}

	var rows []*dbCapturedRequest
	if err := repo.dbConn.Select(&rows, repo.dbConn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("getting captured requests : %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoCapturedRequests
	}

	byID := make(map[uuid.UUID]*dbCapturedRequest, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	captured := make([]*domain.CapturedRequest, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			captured = append(captured, toDomainCapturedRequest(row))
			delete(byID, id)
		}
	}
	return captured, nil
}
