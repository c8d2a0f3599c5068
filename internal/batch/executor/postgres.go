package executor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/querybatch/querybatch/internal/batch/job"
)

// QueryExecutor runs job SQL against the target database host and can abort
// an in-flight statement by job id.
type QueryExecutor interface {
	Run(ctx context.Context, params job.ConnectionParams, sql string, jobID string, timeout time.Duration) error
	Cancel(ctx context.Context, params job.ConnectionParams, jobID string) error
}

// PostgresExecutor executes statements over per-job pgx connections. Every
// statement is tagged with the job id in a leading comment so the backend
// process can later be located in pg_stat_activity and cancelled.
type PostgresExecutor struct{}

func NewPostgresExecutor() *PostgresExecutor {
	return &PostgresExecutor{}
}

func (e *PostgresExecutor) Run(ctx context.Context, params job.ConnectionParams, sql string, jobID string, timeout time.Duration) error {
	conn, err := pgx.Connect(ctx, connString(params))
	if err != nil {
		return errors.Wrapf(err, "error connecting to %s", params.Host)
	}
	defer conn.Close(context.Background())

	if timeout > 0 {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout TO %d", timeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "error setting statement timeout")
		}
	}

	_, err = conn.Exec(ctx, tagQuery(jobID, sql))
	return err
}

// Cancel locates the backend executing the tagged statement and asks
// postgres to cancel it. Failing to find a matching backend is an error: the
// statement may have already finished and the caller decides whether that is
// tolerable.
func (e *PostgresExecutor) Cancel(ctx context.Context, params job.ConnectionParams, jobID string) error {
	conn, err := pgx.Connect(ctx, connString(params))
	if err != nil {
		return errors.Wrapf(err, "error connecting to %s", params.Host)
	}
	defer conn.Close(context.Background())

	var pid int
	err = conn.QueryRow(ctx,
		"SELECT pid FROM pg_stat_activity WHERE query LIKE $1 AND state = 'active'",
		tagPrefix(jobID)+"%",
	).Scan(&pid)
	if err == pgx.ErrNoRows {
		return errors.Errorf("no running statement found for job %s", jobID)
	}
	if err != nil {
		return errors.Wrap(err, "error locating backend process")
	}

	var cancelled bool
	if err := conn.QueryRow(ctx, "SELECT pg_cancel_backend($1)", pid).Scan(&cancelled); err != nil {
		return errors.Wrap(err, "error cancelling backend process")
	}
	if !cancelled {
		return errors.Errorf("backend process %d for job %s could not be cancelled", pid, jobID)
	}
	return nil
}

// IsCancellation reports whether err is an operator-initiated cancellation
// rather than an ordinary failure. A statement_timeout abort carries the
// same error code but a different message and stays a failure.
func IsCancellation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.QueryCanceled &&
			strings.Contains(pgErr.Message, "user request")
	}
	return false
}

func tagPrefix(jobID string) string {
	return fmt.Sprintf("/* batch-job:%s */", jobID)
}

func tagQuery(jobID string, sql string) string {
	return tagPrefix(jobID) + " " + sql
}

func connString(params job.ConnectionParams) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		url.QueryEscape(params.DBUser),
		url.QueryEscape(params.Pass),
		params.Host,
		params.Port,
		params.DBName,
	)
}
