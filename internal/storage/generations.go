package storage

import (
	"context"
	"database/sql"
	"time"

	logx "sitegen/pkg/logx"
)

// AppendGeneration records a finished render. Old rows beyond the retention
// limit are pruned every few hundred appends.
func (s *Store) AppendGeneration(ctx context.Context, g Generation) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if g.At.IsZero() {
		g.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations(at_ms, request, kind, board, ok, err, queue_delay_ms, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		g.At.UnixMilli(), g.Request, g.Kind, nullStr(g.Board), boolInt(g.OK), nullStr(g.Error),
		g.QueueDelay.Milliseconds(), g.Took.Milliseconds(),
	)
	if err == nil && s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if n, perr := s.PruneGenerations(pctx, s.retention); perr != nil {
			s.log.Warn("generation log prune failed", logx.Err(perr))
		} else if n > 0 {
			s.log.Debug("generation log pruned", logx.Int("removed", n))
		}
		cancel()
	}
	return err
}

// PruneGenerations keeps the newest keep rows.
func (s *Store) PruneGenerations(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM generations WHERE id NOT IN (SELECT id FROM generations ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecentGenerations returns the newest entries first.
func (s *Store) RecentGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, request, kind, board, ok, err, queue_delay_ms, took_ms
		 FROM generations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Generation
	for rows.Next() {
		var g Generation
		var at, delay, took int64
		var board, errStr sql.NullString
		var ok int
		if err := rows.Scan(&at, &g.Request, &g.Kind, &board, &ok, &errStr, &delay, &took); err != nil {
			return nil, err
		}
		g.At = time.UnixMilli(at)
		g.Board, g.Error, g.OK = board.String, errStr.String, ok != 0
		g.QueueDelay = time.Duration(delay) * time.Millisecond
		g.Took = time.Duration(took) * time.Millisecond
		out = append(out, g)
	}
	return out, rows.Err()
}
