package genqueue

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Message is the loosely-typed submission accepted from other processes.
//
// Keys follow the historical queue protocol:
//   - globalRebuild: rebuild every page
//   - defaultPages:  rebuild the default pages
//   - frontPage:     rebuild the front page
//   - board:         board uri; alone it rebuilds the board index pages
//   - buildAll:      with board, also rebuild every thread of the board
//   - page:          with board, rebuild a single index page (1-based)
//   - thread:        with board, rebuild a single thread page
type Message struct {
	GlobalRebuild bool   `json:"globalRebuild,omitempty" yaml:"globalRebuild,omitempty"`
	DefaultPages  bool   `json:"defaultPages,omitempty" yaml:"defaultPages,omitempty"`
	FrontPage     bool   `json:"frontPage,omitempty" yaml:"frontPage,omitempty"`
	Board         string `json:"board,omitempty" yaml:"board,omitempty" validate:"required_with=BuildAll Page Thread,max=64,excludesall=/"`
	BuildAll      bool   `json:"buildAll,omitempty" yaml:"buildAll,omitempty"`
	Page          int    `json:"page,omitempty" yaml:"page,omitempty" validate:"gte=0,excluded_with=Thread"`
	Thread        int64  `json:"thread,omitempty" yaml:"thread,omitempty" validate:"gte=0"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func messageValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json key names so errors line up with what producers send.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			if tag == "" || tag == "-" {
				return fld.Name
			}
			return tag
		})
		validate = v
	})
	return validate
}

// Request converts m into a typed Request.
//
// Conflicting combinations (page and thread together, buildAll with a page,
// more than one global scope, a global scope with a board) are rejected with
// an error matching ErrInvalidRequest.
func (m Message) Request() (Request, error) {
	if err := messageValidator().Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Request{}, invalidf(fe.Field(), "failed %q validation", fe.Tag())
		}
		return Request{}, invalidf("", "%v", err)
	}

	globals := 0
	for _, set := range []bool{m.GlobalRebuild, m.DefaultPages, m.FrontPage} {
		if set {
			globals++
		}
	}
	if globals > 1 {
		return Request{}, invalidf("globalRebuild", "only one of globalRebuild, defaultPages, frontPage may be set")
	}
	if globals == 1 && (m.Board != "" || m.BuildAll || m.Page != 0 || m.Thread != 0) {
		return Request{}, invalidf("board", "site-wide rebuilds cannot target a board")
	}
	if m.BuildAll && (m.Page != 0 || m.Thread != 0) {
		return Request{}, invalidf("buildAll", "buildAll cannot be combined with page or thread")
	}

	var r Request
	switch {
	case m.GlobalRebuild:
		r = Global()
	case m.DefaultPages:
		r = DefaultPages()
	case m.FrontPage:
		r = FrontPage()
	case m.Board == "":
		return Request{}, invalidf("board", "message names no scope")
	case m.BuildAll:
		r = BoardAll(m.Board)
	case m.Page != 0:
		r = Page(m.Board, m.Page)
	case m.Thread != 0:
		r = Thread(m.Board, ThreadID(m.Thread))
	default:
		r = BoardPages(m.Board)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// MessageFor is the inverse of Message.Request.
func MessageFor(r Request) Message {
	switch r.Kind {
	case KindGlobal:
		return Message{GlobalRebuild: true}
	case KindDefaultPages:
		return Message{DefaultPages: true}
	case KindFrontPage:
		return Message{FrontPage: true}
	case KindBoardAll:
		return Message{Board: r.Board, BuildAll: true}
	case KindBoardPages:
		return Message{Board: r.Board}
	case KindPage:
		return Message{Board: r.Board, Page: r.Page}
	case KindThread:
		return Message{Board: r.Board, Thread: int64(r.Thread)}
	default:
		return Message{}
	}
}
