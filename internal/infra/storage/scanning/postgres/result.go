package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

// ReplaceResults swaps a scan's result set. Callers run it inside RunInTx.
func (r *repo) ReplaceResults(ctx context.Context, scanID uuid.UUID, results []scanning.Result) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.replace_results",
		attrs(
			attribute.String("scan_id", scanID.String()),
			attribute.Int("result_count", len(results)),
		),
		func(ctx context.Context) error {
			if _, err := r.q.Exec(ctx, `DELETE FROM result WHERE scan_id = $1`, pgUUID(scanID)); err != nil {
				return wrap("deleting results", err)
			}
			if len(results) == 0 {
				return nil
			}

			batch := new(pgx.Batch)
			for _, res := range results {
				batch.Queue(`
					INSERT INTO result (scan_id, host, port, name, description, severity)
					VALUES ($1, $2, $3, $4, $5, $6::result_severity)`,
					pgUUID(scanID), res.Host, res.Port, res.Name, res.Description, string(res.Severity),
				)
			}
			if err := r.q.SendBatch(ctx, batch).Close(); err != nil {
				return wrap("inserting results", err)
			}
			return nil
		})
}

func (r *repo) ListResults(ctx context.Context, scanID uuid.UUID) ([]scanning.Result, error) {
	var out []scanning.Result
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_results",
		attrs(attribute.String("scan_id", scanID.String())),
		func(ctx context.Context) error {
			rows, err := r.q.Query(ctx, `
				SELECT host, port, name, description, severity::text
				FROM result WHERE scan_id = $1 ORDER BY id`, pgUUID(scanID))
			if err != nil {
				return wrap("listing results", err)
			}
			defer rows.Close()
			for rows.Next() {
				res := scanning.Result{ScanID: scanID}
				var severity string
				if err := rows.Scan(&res.Host, &res.Port, &res.Name, &res.Description, &severity); err != nil {
					return wrap("scanning result row", err)
				}
				res.Severity = scanning.Severity(severity)
				out = append(out, res)
			}
			return rows.Err()
		})
	return out, err
}
