package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/devprov/internal/db"
	"github.com/rpattn/devprov/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const logColumns = `id, ticket_number, reason, created_by, total_devices, processed_devices,
	successful_devices, failed_devices, created_at, updated_at`

const resultColumns = `id, log_id, serial_number, ci_number, source_row, success, message, created_at`

type provisioningRepository struct {
	conn *db.Connection
}

// NewProvisioningRepository wires a ResultStore backed by pgxpool.
func NewProvisioningRepository(conn *db.Connection) ResultStore {
	return &provisioningRepository{conn: conn}
}

func (r *provisioningRepository) ready() error {
	if r.conn == nil || r.conn.Pool == nil {
		return fmt.Errorf("provisioning repository not initialized")
	}
	return nil
}

func (r *provisioningRepository) CreateLog(ctx context.Context, log domain.ProvisioningLog) (domain.ProvisioningLog, error) {
	if err := r.ready(); err != nil {
		return domain.ProvisioningLog{}, err
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	row := r.conn.Pool.QueryRow(
		ctx,
		`INSERT INTO provisioning_logs (id, ticket_number, reason, created_by, total_devices)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+logColumns,
		log.ID,
		log.TicketNumber,
		log.Reason,
		log.CreatedBy,
		log.TotalDevices,
	)
	created, err := scanLog(row)
	if err != nil {
		return domain.ProvisioningLog{}, fmt.Errorf("failed to create provisioning log: %w", err)
	}
	return created, nil
}

func (r *provisioningRepository) RecordBatch(ctx context.Context, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error) {
	if err := r.ready(); err != nil {
		return domain.ProvisioningLog{}, err
	}

	success, failed := domain.TallyResults(results)
	var updated domain.ProvisioningLog

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		committed, err := batchCommitted(ctx, tx, results)
		if err != nil {
			return err
		}
		if committed {
			row := tx.QueryRow(ctx, `SELECT `+logColumns+` FROM provisioning_logs WHERE id = $1`, logID)
			var scanErr error
			updated, scanErr = scanLog(row)
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrLogNotFound
			}
			if scanErr != nil {
				return fmt.Errorf("failed to fetch provisioning log: %w", scanErr)
			}
			return nil
		}

		if len(results) > 0 {
			batch := &pgx.Batch{}
			for _, result := range results {
				id := result.ID
				if id == uuid.Nil {
					id = uuid.New()
				}
				var sourceRow any
				if result.SourceRow > 0 {
					sourceRow = result.SourceRow
				}
				batch.Queue(
					`INSERT INTO provisioning_results (id, log_id, serial_number, ci_number, source_row, success, message)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					id,
					logID,
					result.SerialNumber,
					result.CINumber,
					sourceRow,
					result.Success,
					result.Message,
				)
			}

			br := tx.SendBatch(ctx, batch)
			for i := 0; i < len(results); i++ {
				if _, execErr := br.Exec(); execErr != nil {
					_ = br.Close()
					return fmt.Errorf("failed to insert provisioning result %s: %w", results[i].SerialNumber, execErr)
				}
			}
			if closeErr := br.Close(); closeErr != nil {
				return fmt.Errorf("failed to flush provisioning results: %w", closeErr)
			}
		}

		row := tx.QueryRow(
			ctx,
			`UPDATE provisioning_logs
			 SET processed_devices = processed_devices + $2,
			     successful_devices = successful_devices + $3,
			     failed_devices = failed_devices + $4,
			     updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+logColumns,
			logID,
			len(results),
			success,
			failed,
		)
		var scanErr error
		updated, scanErr = scanLog(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return ErrLogNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("failed to update log progress: %w", scanErr)
		}
		return nil
	})
	if err != nil {
		return domain.ProvisioningLog{}, err
	}
	return updated, nil
}

func (r *provisioningRepository) GetLog(ctx context.Context, id uuid.UUID) (domain.ProvisioningLog, error) {
	if err := r.ready(); err != nil {
		return domain.ProvisioningLog{}, err
	}

	row := r.conn.Pool.QueryRow(ctx, `SELECT `+logColumns+` FROM provisioning_logs WHERE id = $1`, id)
	log, err := scanLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProvisioningLog{}, ErrLogNotFound
	}
	if err != nil {
		return domain.ProvisioningLog{}, fmt.Errorf("failed to fetch provisioning log: %w", err)
	}
	return log, nil
}

func (r *provisioningRepository) ListLogs(ctx context.Context, filter domain.LogFilter) ([]domain.ProvisioningLog, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	query, args := buildLogQuery(filter)
	rows, err := r.conn.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provisioning logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.ProvisioningLog{}
	for rows.Next() {
		log, scanErr := scanLog(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan provisioning log: %w", scanErr)
		}
		logs = append(logs, log)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate provisioning logs: %w", rowsErr)
	}
	return logs, nil
}

func (r *provisioningRepository) ListResults(ctx context.Context, logID uuid.UUID) ([]domain.ProvisioningResult, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	rows, err := r.conn.Pool.Query(
		ctx,
		`SELECT `+resultColumns+`
		 FROM provisioning_results
		 WHERE log_id = $1
		 ORDER BY seq ASC`,
		logID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provisioning results: %w", err)
	}
	defer rows.Close()

	results := []domain.ProvisioningResult{}
	for rows.Next() {
		var (
			result    domain.ProvisioningResult
			sourceRow pgtype.Int4
			message   pgtype.Text
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&result.ID,
			&result.LogID,
			&result.SerialNumber,
			&result.CINumber,
			&sourceRow,
			&result.Success,
			&message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan provisioning result: %w", scanErr)
		}
		if sourceRow.Valid {
			result.SourceRow = int(sourceRow.Int32)
		}
		if message.Valid {
			value := message.String
			result.Message = &value
		}
		if createdAt.Valid {
			result.CreatedAt = createdAt.Time
		}
		results = append(results, result)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate provisioning results: %w", rowsErr)
	}
	return results, nil
}

// batchCommitted reports whether an earlier attempt already committed the
// batch. Batches are all-or-nothing, so the first result id decides.
func batchCommitted(ctx context.Context, tx pgx.Tx, results []domain.ProvisioningResult) (bool, error) {
	if len(results) == 0 || results[0].ID == uuid.Nil {
		return false, nil
	}
	var exists bool
	if err := tx.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM provisioning_results WHERE id = $1)`,
		results[0].ID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check batch state: %w", err)
	}
	return exists, nil
}

// buildLogQuery assembles the history query from the optional filters.
func buildLogQuery(filter domain.LogFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if creator := strings.TrimSpace(filter.CreatedBy); creator != "" {
		clauses = append(clauses, "lower(created_by) = lower("+next(creator)+")")
	}
	if filter.StartDate != nil {
		clauses = append(clauses, "created_at >= "+next(*filter.StartDate))
	}
	if filter.EndDate != nil {
		clauses = append(clauses, "created_at < "+next(*filter.EndDate))
	}
	switch filter.Status {
	case domain.LogStatusPending:
		clauses = append(clauses, "processed_devices = 0 AND total_devices > 0")
	case domain.LogStatusProcessing:
		clauses = append(clauses, "processed_devices > 0 AND processed_devices < total_devices")
	case domain.LogStatusCompleted:
		clauses = append(clauses, "processed_devices = total_devices")
	}

	query := `SELECT ` + logColumns + ` FROM provisioning_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	return query, args
}

func scanLog(row pgx.Row) (domain.ProvisioningLog, error) {
	var (
		log       domain.ProvisioningLog
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&log.ID,
		&log.TicketNumber,
		&log.Reason,
		&log.CreatedBy,
		&log.TotalDevices,
		&log.ProcessedDevices,
		&log.SuccessfulDevices,
		&log.FailedDevices,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.ProvisioningLog{}, err
	}
	if createdAt.Valid {
		log.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		log.UpdatedAt = updatedAt.Time
	}
	return log, nil
}
