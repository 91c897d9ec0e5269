package genqueue

import (
	"context"
	"fmt"
)

// Renderer regenerates static pages.
//
// Every method blocks until its output is written and returns the outcome.
// The Queue calls at most one method at a time, so implementations may
// assume exclusive access to whatever output they are asked to produce.
type Renderer interface {
	// All regenerates every page: default pages and every board with its threads.
	All(ctx context.Context) error
	// DefaultPages regenerates the site-wide pages, the front page included.
	DefaultPages(ctx context.Context) error
	FrontPage(ctx context.Context) error
	// Board regenerates the board's index pages, and every thread page when withThreads is set.
	Board(ctx context.Context, board string, withThreads bool) error
	Page(ctx context.Context, board string, page int) error
	Thread(ctx context.Context, board string, thread ThreadID) error
}

// Reloader is implemented by renderers that cache templates.
// In debug mode the queue calls Reload before each dispatch.
type Reloader interface {
	Reload() error
}

func render(ctx context.Context, r Renderer, req Request) error {
	switch req.Kind {
	case KindGlobal:
		return r.All(ctx)
	case KindDefaultPages:
		return r.DefaultPages(ctx)
	case KindFrontPage:
		return r.FrontPage(ctx)
	case KindBoardAll:
		return r.Board(ctx, req.Board, true)
	case KindBoardPages:
		return r.Board(ctx, req.Board, false)
	case KindPage:
		return r.Page(ctx, req.Board, req.Page)
	case KindThread:
		return r.Thread(ctx, req.Board, req.Thread)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRequest, req.Kind)
	}
}

// RendererFuncs adapts plain functions to Renderer. Nil fields succeed without doing anything.
type RendererFuncs struct {
	AllFunc          func(ctx context.Context) error
	DefaultPagesFunc func(ctx context.Context) error
	FrontPageFunc    func(ctx context.Context) error
	BoardFunc        func(ctx context.Context, board string, withThreads bool) error
	PageFunc         func(ctx context.Context, board string, page int) error
	ThreadFunc       func(ctx context.Context, board string, thread ThreadID) error
}

func (f RendererFuncs) All(ctx context.Context) error {
	if f.AllFunc == nil {
		return nil
	}
	return f.AllFunc(ctx)
}

func (f RendererFuncs) DefaultPages(ctx context.Context) error {
	if f.DefaultPagesFunc == nil {
		return nil
	}
	return f.DefaultPagesFunc(ctx)
}

func (f RendererFuncs) FrontPage(ctx context.Context) error {
	if f.FrontPageFunc == nil {
		return nil
	}
	return f.FrontPageFunc(ctx)
}

func (f RendererFuncs) Board(ctx context.Context, board string, withThreads bool) error {
	if f.BoardFunc == nil {
		return nil
	}
	return f.BoardFunc(ctx, board, withThreads)
}

func (f RendererFuncs) Page(ctx context.Context, board string, page int) error {
	if f.PageFunc == nil {
		return nil
	}
	return f.PageFunc(ctx, board, page)
}

func (f RendererFuncs) Thread(ctx context.Context, board string, thread ThreadID) error {
	if f.ThreadFunc == nil {
		return nil
	}
	return f.ThreadFunc(ctx, board, thread)
}
