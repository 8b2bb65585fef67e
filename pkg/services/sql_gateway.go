package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/audit"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/logging"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	sqlcheck "github.com/ekaya-inc/ekaya-nl2sql/pkg/sql"
)

// SQLGateway is the only path by which statements reach the database.
type SQLGateway interface {
	// ExecuteRead runs a single SELECT in a read-only transaction and returns
	// at most rowLimit rows (clamped to the gateway maximum). A LIMIT is
	// appended when the statement has none.
	ExecuteRead(ctx context.Context, query string, params []any, rowLimit int) ([]models.Row, error)
	// ExecuteWrite runs a single statement and returns the affected row count.
	// Only ingestion and sync use it.
	ExecuteWrite(ctx context.Context, query string, params []any) (int64, error)
	// InsertReturningID runs an INSERT ... RETURNING statement and returns the
	// single returned value as text.
	InsertReturningID(ctx context.Context, query string, params []any) (string, error)
}

type sqlGateway struct {
	db      *database.DB
	limits  RowLimits
	timeout time.Duration
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

// NewSQLGateway creates an SQLGateway. timeout bounds each read statement.
func NewSQLGateway(db *database.DB, limits RowLimits, timeout time.Duration, auditor *audit.SecurityAuditor, logger *zap.Logger) SQLGateway {
	return &sqlGateway{
		db:      db,
		limits:  limits,
		timeout: timeout,
		auditor: auditor,
		logger:  logger.Named("sql-gateway"),
	}
}

var _ SQLGateway = (*sqlGateway)(nil)

func (g *sqlGateway) ExecuteRead(ctx context.Context, query string, params []any, rowLimit int) ([]models.Row, error) {
	if err := sqlcheck.CheckReadOnly(query); err != nil {
		var roErr *sqlcheck.ReadOnlyError
		if errors.As(err, &roErr) {
			g.auditor.LogReadOnlyViolation(ctx, roErr.Keyword)
		}
		return nil, err
	}
	stmt, err := normalizeStatement(query)
	if err != nil {
		return nil, err
	}

	limit := g.limits.Clamp(rowLimit)
	stmt, appended := sqlcheck.EnsureLimit(stmt, limit)
	g.auditParams(ctx, stmt, params)

	start := time.Now()
	var out []models.Row
	err = g.db.WithReadOnly(ctx, g.timeout, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, stmt, params...)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		columns := make([]string, len(fields))
		for i, f := range fields {
			columns[i] = f.Name
		}

		for rows.Next() {
			if len(out) >= limit {
				break
			}
			values, err := rows.Values()
			if err != nil {
				return err
			}
			for i, v := range values {
				values[i] = normalizeValue(v)
			}
			out = append(out, models.NewRow(columns, values))
		}
		return rows.Err()
	})
	if err != nil {
		g.logger.Error("Read failed",
			zap.String("sql", logging.SanitizeQuery(stmt)),
			zap.Int("params", len(params)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("failed to execute read: %w", err)
	}

	g.logger.Debug("Read executed",
		zap.Int("rows", len(out)),
		zap.Bool("limit_appended", appended),
		zap.Duration("elapsed", time.Since(start)))
	g.auditor.LogQueryExecution(ctx, len(out), time.Since(start))

	if out == nil {
		out = []models.Row{}
	}
	return out, nil
}

func (g *sqlGateway) ExecuteWrite(ctx context.Context, query string, params []any) (int64, error) {
	stmt, err := normalizeStatement(query)
	if err != nil {
		return 0, err
	}
	g.auditParams(ctx, stmt, params)

	tag, err := g.db.Exec(ctx, stmt, params...)
	if err != nil {
		g.logger.Error("Write failed",
			zap.String("sql", logging.SanitizeQuery(stmt)),
			zap.String("error", logging.SanitizeError(err)))
		return 0, fmt.Errorf("failed to execute write: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (g *sqlGateway) InsertReturningID(ctx context.Context, query string, params []any) (string, error) {
	stmt, err := normalizeStatement(query)
	if err != nil {
		return "", err
	}
	if !strings.Contains(strings.ToUpper(stmt), "RETURNING") {
		return "", fmt.Errorf("insert statement has no RETURNING clause")
	}
	g.auditParams(ctx, stmt, params)

	var id string
	if err := g.db.QueryRow(ctx, stmt, params...).Scan(&id); err != nil {
		g.logger.Error("Insert failed",
			zap.String("sql", logging.SanitizeQuery(stmt)),
			zap.String("error", logging.SanitizeError(err)))
		return "", fmt.Errorf("failed to insert row: %w", err)
	}
	return id, nil
}

// auditParams reports values libinjection flags. Values are bound, so a hit
// never blocks the statement.
func (g *sqlGateway) auditParams(ctx context.Context, stmt string, params []any) {
	for _, hit := range sqlcheck.CheckAllParameters(params) {
		value, _ := hit.ParamValue.(string)
		g.auditor.LogInjectionAttempt(ctx, audit.SQLInjectionDetails{
			ParamName:   hit.ParamName,
			ValueLength: len(value),
			Fingerprint: hit.Fingerprint,
			Statement:   logging.SanitizeQuery(stmt),
		})
	}
}

func normalizeStatement(query string) (string, error) {
	res := sqlcheck.ValidateAndNormalize(query)
	if res.Error != nil {
		return "", res.Error
	}
	return res.NormalizedSQL, nil
}

// normalizeValue converts driver values into JSON-friendly forms.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		d := time.Duration(val.Microseconds) * time.Microsecond
		return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	default:
		return v
	}
}
