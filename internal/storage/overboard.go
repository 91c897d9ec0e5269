package storage

import (
	"context"
	"time"
)

// OverboardContains reports whether the thread is on the overboard.
func (s *Store) OverboardContains(ctx context.Context, board string, thread int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM overboard_threads WHERE board = ? AND thread = ?`, board, thread,
	).Scan(&n)
	return n > 0, err
}

// OverboardInsert adds the thread to the overboard. Adding it twice is a no-op.
func (s *Store) OverboardInsert(ctx context.Context, board string, thread int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overboard_threads(board, thread, added_ms) VALUES(?,?,?)
		 ON CONFLICT(board, thread) DO NOTHING`,
		board, thread, time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) OverboardCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overboard_threads`).Scan(&n)
	return n, err
}

// OverboardPrune evicts the least recently bumped threads until at most size
// remain, and returns how many were removed.
func (s *Store) OverboardPrune(ctx context.Context, size int) (int, error) {
	if size < 0 {
		size = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM overboard_threads`).Scan(&count); err != nil {
		return 0, err
	}
	excess := count - size
	if excess <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM overboard_threads WHERE rowid IN (
		   SELECT o.rowid FROM overboard_threads o
		   JOIN threads t ON t.board = o.board AND t.id = o.thread
		   ORDER BY t.last_bump_ms ASC, o.added_ms ASC
		   LIMIT ?
		 )`, excess)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// OverboardThreads lists overboard threads, most recently bumped first.
func (s *Store) OverboardThreads(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.board, t.id, t.subject, t.name, t.message, t.created_ms, t.last_bump_ms, t.pinned, t.locked, t.reply_count
		 FROM overboard_threads o JOIN threads t ON t.board = o.board AND t.id = o.thread
		 ORDER BY t.last_bump_ms DESC, t.board, t.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
