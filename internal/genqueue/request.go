package genqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the scope a Request targets.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindGlobal
	KindDefaultPages
	KindFrontPage
	KindBoardAll
	KindBoardPages
	KindPage
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindDefaultPages:
		return "default_pages"
	case KindFrontPage:
		return "front_page"
	case KindBoardAll:
		return "board_all"
	case KindBoardPages:
		return "board_pages"
	case KindPage:
		return "page"
	case KindThread:
		return "thread"
	default:
		return "invalid"
	}
}

// BoardScoped reports whether requests of this kind carry a board.
func (k Kind) BoardScoped() bool {
	return k == KindBoardAll || k == KindBoardPages || k == KindPage || k == KindThread
}

// ThreadID is the board-local thread number.
type ThreadID int64

// Request describes one unit of rebuild work.
//
// Requests are values: two requests with the same Kind and fields are the
// same unit of work and compare equal with ==. Only the fields relevant to
// Kind are set; use the constructors below and Validate at trust boundaries.
type Request struct {
	Kind   Kind     `json:"kind"`
	Board  string   `json:"board,omitempty"`
	Page   int      `json:"page,omitempty"`
	Thread ThreadID `json:"thread,omitempty"`
}

func Global() Request       { return Request{Kind: KindGlobal} }
func DefaultPages() Request { return Request{Kind: KindDefaultPages} }
func FrontPage() Request    { return Request{Kind: KindFrontPage} }

func BoardAll(board string) Request   { return Request{Kind: KindBoardAll, Board: board} }
func BoardPages(board string) Request { return Request{Kind: KindBoardPages, Board: board} }

func Page(board string, page int) Request {
	return Request{Kind: KindPage, Board: board, Page: page}
}

func Thread(board string, thread ThreadID) Request {
	return Request{Kind: KindThread, Board: board, Thread: thread}
}

// Validate checks that only the fields of r's Kind are set and that they are in range.
func (r Request) Validate() error {
	switch r.Kind {
	case KindGlobal, KindDefaultPages, KindFrontPage:
		if r.Board != "" || r.Page != 0 || r.Thread != 0 {
			return invalidf("board", "%s request must not carry board/page/thread", r.Kind)
		}
		return nil
	case KindBoardAll, KindBoardPages:
		if err := ValidBoard(r.Board); err != nil {
			return err
		}
		if r.Page != 0 || r.Thread != 0 {
			return invalidf("page", "%s request must not carry page/thread", r.Kind)
		}
		return nil
	case KindPage:
		if err := ValidBoard(r.Board); err != nil {
			return err
		}
		if r.Page < 1 {
			return invalidf("page", "page must be >= 1, got %d", r.Page)
		}
		if r.Thread != 0 {
			return invalidf("thread", "page request must not carry a thread")
		}
		return nil
	case KindThread:
		if err := ValidBoard(r.Board); err != nil {
			return err
		}
		if r.Thread < 1 {
			return invalidf("thread", "thread must be >= 1, got %d", r.Thread)
		}
		if r.Page != 0 {
			return invalidf("page", "thread request must not carry a page")
		}
		return nil
	default:
		return invalidf("kind", "unknown request kind %d", r.Kind)
	}
}

// ValidBoard reports whether board can name a board. Board uris become
// directory names under the output dir, so path separators and the "." and
// ".." entries are rejected.
func ValidBoard(board string) error {
	if strings.TrimSpace(board) == "" {
		return invalidf("board", "board is required")
	}
	if board != strings.TrimSpace(board) || strings.ContainsAny(board, "/\\") || board == "." || board == ".." {
		return invalidf("board", "invalid board uri %q", board)
	}
	return nil
}

func (r Request) String() string {
	switch r.Kind {
	case KindBoardAll, KindBoardPages:
		return r.Kind.String() + "(" + r.Board + ")"
	case KindPage:
		return "page(" + r.Board + "/" + strconv.Itoa(r.Page) + ")"
	case KindThread:
		return fmt.Sprintf("thread(%s/%d)", r.Board, r.Thread)
	default:
		return r.Kind.String()
	}
}
