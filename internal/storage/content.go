package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) PutBoard(ctx context.Context, b Board) error {
	if b.Created.IsZero() {
		b.Created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boards(uri, title, description, created_ms) VALUES(?,?,?,?)
		 ON CONFLICT(uri) DO UPDATE SET title=excluded.title, description=excluded.description`,
		b.URI, b.Title, b.Description, ms(b.Created),
	)
	return err
}

func (s *Store) Boards(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uri, title, description, created_ms FROM boards ORDER BY uri`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Board
	for rows.Next() {
		var b Board
		var created int64
		if err := rows.Scan(&b.URI, &b.Title, &b.Description, &created); err != nil {
			return nil, err
		}
		b.Created = fromMS(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Board(ctx context.Context, uri string) (Board, error) {
	var b Board
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT uri, title, description, created_ms FROM boards WHERE uri = ?`, uri,
	).Scan(&b.URI, &b.Title, &b.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, fmt.Errorf("board %q: %w", uri, ErrNotFound)
	}
	b.Created = fromMS(created)
	return b, err
}

// PutThread creates or replaces a thread. A zero LastBump defaults to Created.
func (s *Store) PutThread(ctx context.Context, t Thread) error {
	if t.Created.IsZero() {
		t.Created = time.Now()
	}
	if t.LastBump.IsZero() {
		t.LastBump = t.Created
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads(board, id, subject, name, message, created_ms, last_bump_ms, pinned, locked, reply_count)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(board, id) DO UPDATE SET subject=excluded.subject, name=excluded.name,
		   message=excluded.message, last_bump_ms=excluded.last_bump_ms, pinned=excluded.pinned,
		   locked=excluded.locked`,
		t.Board, t.ID, t.Subject, t.Name, t.Message, ms(t.Created), ms(t.LastBump),
		boolInt(t.Pinned), boolInt(t.Locked), t.ReplyCount,
	)
	return err
}

// AddPost stores a reply and updates the thread's reply count, and its bump
// time when bump is set.
func (s *Store) AddPost(ctx context.Context, p Post, bump bool) error {
	if p.Created.IsZero() {
		p.Created = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posts(board, id, thread, name, subject, message, created_ms) VALUES(?,?,?,?,?,?,?)`,
		p.Board, p.ID, p.Thread, p.Name, p.Subject, p.Message, ms(p.Created),
	); err != nil {
		return err
	}
	q := `UPDATE threads SET reply_count = reply_count + 1 WHERE board = ? AND id = ?`
	args := []any{p.Board, p.Thread}
	if bump {
		q = `UPDATE threads SET reply_count = reply_count + 1, last_bump_ms = ? WHERE board = ? AND id = ?`
		args = []any{ms(p.Created), p.Board, p.Thread}
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s/%d: %w", p.Board, p.Thread, ErrNotFound)
	}
	return tx.Commit()
}

const threadCols = `board, id, subject, name, message, created_ms, last_bump_ms, pinned, locked, reply_count`

type scanner interface{ Scan(dest ...any) error }

func scanThread(sc scanner) (Thread, error) {
	var t Thread
	var created, bump int64
	var pinned, locked int
	if err := sc.Scan(&t.Board, &t.ID, &t.Subject, &t.Name, &t.Message, &created, &bump, &pinned, &locked, &t.ReplyCount); err != nil {
		return Thread{}, err
	}
	t.Created, t.LastBump = fromMS(created), fromMS(bump)
	t.Pinned, t.Locked = pinned != 0, locked != 0
	return t, nil
}

func (s *Store) Thread(ctx context.Context, board string, id int64) (Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE board = ? AND id = ?`, board, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s/%d: %w", board, id, ErrNotFound)
	}
	return t, err
}

// Threads lists a board's threads in index order: pinned first, then by last bump.
func (s *Store) Threads(ctx context.Context, board string, offset, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE board = ?
		 ORDER BY pinned DESC, last_bump_ms DESC, id DESC LIMIT ? OFFSET ?`,
		board, limit, offset)
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

func (s *Store) CountThreads(ctx context.Context, board string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE board = ?`, board).Scan(&n)
	return n, err
}

// ThreadIDs lists every thread id of a board.
func (s *Store) ThreadIDs(ctx context.Context, board string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM threads WHERE board = ? ORDER BY id`, board)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var created int64
		if err := rows.Scan(&p.Board, &p.ID, &p.Thread, &p.Name, &p.Subject, &p.Message, &created); err != nil {
			return nil, err
		}
		p.Created = fromMS(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Posts returns a thread's replies, oldest first.
func (s *Store) Posts(ctx context.Context, board string, thread int64) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT board, id, thread, name, subject, message, created_ms FROM posts
		 WHERE board = ? AND thread = ? ORDER BY id`, board, thread)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// LatestReplies returns the last n replies of a thread, oldest first.
func (s *Store) LatestReplies(ctx context.Context, board string, thread int64, n int) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT board, id, thread, name, subject, message, created_ms FROM (
		   SELECT * FROM posts WHERE board = ? AND thread = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, board, thread, n)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// RecentPosts returns the newest replies across all boards, newest first.
func (s *Store) RecentPosts(ctx context.Context, limit int) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT board, id, thread, name, subject, message, created_ms FROM posts
		 ORDER BY created_ms DESC, board, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}
