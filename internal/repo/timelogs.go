package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskline/internal/domain"
)

// InsertTimelog opens a timelog row. ToTime stays NULL while the log is running.
func (r Repo) InsertTimelog(ctx context.Context, tx *sql.Tx, l domain.Timelog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO timelogs(id, task_id, actor_id, from_time, to_time, completed) VALUES (?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.ActorID, l.FromTime, nullableStringPtr(l.ToTime), boolInt(l.Completed))
	return err
}

// RunningTimelog returns the open timelog for a task, if any.
func (r Repo) RunningTimelog(ctx context.Context, tx *sql.Tx, taskID string) (domain.Timelog, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, task_id, actor_id, from_time, to_time, completed FROM timelogs WHERE task_id=? AND to_time IS NULL ORDER BY from_time DESC LIMIT 1`, taskID)
	return scanTimelog(row)
}

// CloseRunningTimelogs stamps to_time on every open timelog of the task.
func (r Repo) CloseRunningTimelogs(ctx context.Context, tx *sql.Tx, taskID, toTime string, completed bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE timelogs SET to_time=?, completed=? WHERE task_id=? AND to_time IS NULL`,
		toTime, boolInt(completed), taskID)
	return err
}

func (r Repo) ListTimelogs(ctx context.Context, taskID string) ([]domain.Timelog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, task_id, actor_id, from_time, to_time, completed FROM timelogs WHERE task_id=? ORDER BY from_time ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timelog
	for rows.Next() {
		l, err := scanTimelog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func scanTimelog(row rowScanner) (domain.Timelog, error) {
	var l domain.Timelog
	var toTime sql.NullString
	var completed int
	err := row.Scan(&l.ID, &l.TaskID, &l.ActorID, &l.FromTime, &toTime, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if toTime.Valid {
		l.ToTime = &toTime.String
	}
	l.Completed = completed != 0
	return l, nil
}
