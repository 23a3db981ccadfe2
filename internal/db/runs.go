package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/acquisition"
	"github.com/banshee-data/rplidar-osc/internal/httputil"
)

// Run is one row of the runs table.
type Run struct {
	ID           string   `json:"run_id"`
	SerialPort   string   `json:"serial_port"`
	OSCTarget    string   `json:"osc_target"`
	OSCAddress   string   `json:"osc_address"`
	FPS          float64  `json:"fps"`
	AnglePolicy  string   `json:"angle_policy"`
	StartedUnix  float64  `json:"started_unix"`
	EndedUnix    *float64 `json:"ended_unix,omitempty"`
	ExitReason   string   `json:"exit_reason,omitempty"`
	Samples      int64    `json:"samples"`
	Flushes      int64    `json:"flushes"`
	SendFailures int64    `json:"send_failures"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

var _ acquisition.RunJournal = (*DB)(nil)

// RecordRunStart inserts a run when its worker starts streaming.
func (db *DB) RecordRunStart(ctx context.Context, rec acquisition.RunRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (
			run_id, serial_port, osc_target, osc_address, fps, angle_policy, started_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Port, rec.Target, rec.Address, rec.FPS, rec.AnglePolicy, unixSeconds(rec.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.ID, err)
	}
	return nil
}

// RecordRunEnd stores the final counters and exit reason.
func (db *DB) RecordRunEnd(ctx context.Context, rec acquisition.RunRecord) error {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET ended_unix = ?, exit_reason = ?, samples = ?, flushes = ?, send_failures = ?
		WHERE run_id = ?`,
		unixSeconds(rec.EndedAt), rec.ExitReason, int64(rec.Samples), int64(rec.Flushes), int64(rec.SendFailures), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", rec.ID)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, serial_port, osc_target, osc_address, fps, angle_policy,
			started_unix, ended_unix, exit_reason, samples, flushes, send_failures
		FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r      Run
			ended  sql.NullFloat64
			reason sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.SerialPort, &r.OSCTarget, &r.OSCAddress, &r.FPS, &r.AnglePolicy,
			&r.StartedUnix, &ended, &reason, &r.Samples, &r.Flushes, &r.SendFailures,
		); err != nil {
			return nil, err
		}
		if ended.Valid {
			v := ended.Float64
			r.EndedUnix = &v
		}
		r.ExitReason = reason.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (db *DB) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := db.RecentRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}
