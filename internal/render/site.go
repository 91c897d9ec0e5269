package render

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sitegen/internal/genqueue"
	"sitegen/internal/storage"
	logx "sitegen/pkg/logx"
)

//go:embed templates/*.html
var defaultTemplates embed.FS

// Page templates every template set must define.
var pageTemplates = []string{"front.html", "overboard.html", "board.html", "thread.html", "notfound.html"}

// Store is the read side of the data store the site is rendered from.
type Store interface {
	Boards(ctx context.Context) ([]storage.Board, error)
	Board(ctx context.Context, uri string) (storage.Board, error)
	Threads(ctx context.Context, board string, offset, limit int) ([]storage.Thread, error)
	CountThreads(ctx context.Context, board string) (int, error)
	ThreadIDs(ctx context.Context, board string) ([]int64, error)
	Thread(ctx context.Context, board string, id int64) (storage.Thread, error)
	Posts(ctx context.Context, board string, thread int64) ([]storage.Post, error)
	LatestReplies(ctx context.Context, board string, thread int64, n int) ([]storage.Post, error)
	RecentPosts(ctx context.Context, limit int) ([]storage.Post, error)
	OverboardThreads(ctx context.Context, limit int) ([]storage.Thread, error)
}

type Config struct {
	OutputDir string
	// TemplateDir overrides the embedded templates when set.
	TemplateDir string
	SiteName    string

	PageSize         int
	MaxPages         int
	FrontPagePosts   int
	OverboardThreads int
	// PreviewReplies is how many latest replies a board page shows per thread.
	PreviewReplies int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SiteName) == "" {
		c.SiteName = "sitegen"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.FrontPagePosts <= 0 {
		c.FrontPagePosts = 20
	}
	if c.OverboardThreads <= 0 {
		c.OverboardThreads = 100
	}
	if c.PreviewReplies <= 0 {
		c.PreviewReplies = 3
	}
	return c
}

// Site renders pages from a Store.
type Site struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	cfg atomic.Pointer[Config]

	mu   sync.RWMutex
	tmpl *template.Template
}

var (
	_ genqueue.Renderer = (*Site)(nil)
	_ genqueue.Reloader = (*Site)(nil)
)

// New parses the templates and returns a ready Site.
func New(cfg Config, store Store, log logx.Logger) (*Site, error) {
	if store == nil {
		return nil, errors.New("render: store is required")
	}
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("render: output dir is required")
	}
	s := &Site{store: store, log: log.With(logx.String("comp", "render")), now: time.Now}
	s.cfg.Store(&cfg)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps the render settings. Templates are re-parsed when the template
// directory changed; on a parse error the previous settings stay in effect.
func (s *Site) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return errors.New("render: output dir is required")
	}
	old := s.cfg.Load()
	if old.TemplateDir != cfg.TemplateDir {
		t, err := parseTemplates(cfg.TemplateDir)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.tmpl = t
		s.mu.Unlock()
	}
	s.cfg.Store(&cfg)
	return nil
}

// Reload re-parses the templates. The current set is kept when parsing fails.
func (s *Site) Reload() error {
	t, err := parseTemplates(s.cfg.Load().TemplateDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tmpl = t
	s.mu.Unlock()
	return nil
}

// CheckTemplates reports whether dir (or the built-in set when empty) holds
// a usable template set.
func CheckTemplates(dir string) error {
	_, err := parseTemplates(dir)
	return err
}

func parseTemplates(dir string) (*template.Template, error) {
	var fsys fs.FS
	if strings.TrimSpace(dir) == "" {
		sub, err := fs.Sub(defaultTemplates, "templates")
		if err != nil {
			return nil, err
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}
	t, err := template.New("site").Funcs(funcs).ParseFS(fsys, "*.html")
	if err != nil {
		return nil, fmt.Errorf("render: parse templates: %w", err)
	}
	for _, name := range pageTemplates {
		if t.Lookup(name) == nil {
			return nil, fmt.Errorf("render: template %s is missing", name)
		}
	}
	return t, nil
}

func (s *Site) templates() *template.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tmpl
}

func (s *Site) config() Config { return *s.cfg.Load() }

// All regenerates the default pages and every board with its threads. A
// failing board does not stop the others; the errors are joined.
func (s *Site) All(ctx context.Context) error {
	if err := s.DefaultPages(ctx); err != nil {
		return err
	}
	boards, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("list boards: %w", err)
	}
	var errs []error
	for _, b := range boards {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Board(ctx, b.URI, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Site) DefaultPages(ctx context.Context) error {
	if err := s.FrontPage(ctx); err != nil {
		return err
	}
	if err := s.overboard(ctx); err != nil {
		return err
	}
	return s.notFound(ctx)
}

func (s *Site) FrontPage(ctx context.Context) error {
	cfg := s.config()
	boards, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("front page: %w", err)
	}
	recent, err := s.store.RecentPosts(ctx, cfg.FrontPagePosts)
	if err != nil {
		return fmt.Errorf("front page: %w", err)
	}
	data := frontData{common: s.common(cfg, "", boards), Boards: boards, Recent: recent}
	return s.writePage(cfg, "front.html", data, "index.html")
}

func (s *Site) overboard(ctx context.Context) error {
	cfg := s.config()
	boards, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("overboard: %w", err)
	}
	threads, err := s.store.OverboardThreads(ctx, cfg.OverboardThreads)
	if err != nil {
		return fmt.Errorf("overboard: %w", err)
	}
	data := overboardData{common: s.common(cfg, "Overboard", boards), Threads: threads}
	if err := s.writePage(cfg, "overboard.html", data, "overboard.html"); err != nil {
		return err
	}
	return s.writeJSON(cfg, threadsJSON(threads), "overboard.json")
}

func (s *Site) notFound(ctx context.Context) error {
	cfg := s.config()
	boards, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("404 page: %w", err)
	}
	return s.writePage(cfg, "notfound.html", s.common(cfg, "404", boards), "404.html")
}

// Board regenerates the board's index pages, and every thread page when
// withThreads is set. Pages left over from a larger board are removed.
func (s *Site) Board(ctx context.Context, board string, withThreads bool) error {
	if err := genqueue.ValidBoard(board); err != nil {
		return err
	}
	cfg := s.config()
	b, err := s.store.Board(ctx, board)
	if err != nil {
		return err
	}
	nav, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("board %s: %w", board, err)
	}
	pages, err := s.pageCount(ctx, cfg, board)
	if err != nil {
		return err
	}
	for n := 1; n <= pages; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.renderPage(ctx, cfg, b, nav, n, pages); err != nil {
			return err
		}
	}
	s.removePagesAfter(cfg, board, pages)

	if !withThreads {
		return nil
	}
	ids, err := s.store.ThreadIDs(ctx, board)
	if err != nil {
		return fmt.Errorf("board %s: %w", board, err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.renderThread(ctx, cfg, b, nav, id); err != nil {
			return err
		}
	}
	return nil
}

// Page regenerates one board page. A page past the end of the board is
// removed instead.
func (s *Site) Page(ctx context.Context, board string, page int) error {
	if err := genqueue.ValidBoard(board); err != nil {
		return err
	}
	cfg := s.config()
	b, err := s.store.Board(ctx, board)
	if err != nil {
		return err
	}
	pages, err := s.pageCount(ctx, cfg, board)
	if err != nil {
		return err
	}
	if page > pages {
		s.log.Debug("page past the end, removing", logx.String("board", board), logx.Int("page", page), logx.Int("pages", pages))
		return s.removePage(cfg, board, page)
	}
	nav, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("board %s: %w", board, err)
	}
	return s.renderPage(ctx, cfg, b, nav, page, pages)
}

// Thread regenerates one thread page. The page is removed when the thread
// no longer exists.
func (s *Site) Thread(ctx context.Context, board string, thread genqueue.ThreadID) error {
	if err := genqueue.ValidBoard(board); err != nil {
		return err
	}
	cfg := s.config()
	b, err := s.store.Board(ctx, board)
	if err != nil {
		return err
	}
	nav, err := s.store.Boards(ctx)
	if err != nil {
		return fmt.Errorf("board %s: %w", board, err)
	}
	return s.renderThread(ctx, cfg, b, nav, int64(thread))
}

func (s *Site) pageCount(ctx context.Context, cfg Config, board string) (int, error) {
	n, err := s.store.CountThreads(ctx, board)
	if err != nil {
		return 0, fmt.Errorf("board %s: %w", board, err)
	}
	pages := (n + cfg.PageSize - 1) / cfg.PageSize
	if pages < 1 {
		pages = 1
	}
	if pages > cfg.MaxPages {
		pages = cfg.MaxPages
	}
	return pages, nil
}

func (s *Site) renderPage(ctx context.Context, cfg Config, b storage.Board, nav []storage.Board, page, pages int) error {
	threads, err := s.store.Threads(ctx, b.URI, (page-1)*cfg.PageSize, cfg.PageSize)
	if err != nil {
		return fmt.Errorf("board %s page %d: %w", b.URI, page, err)
	}
	previews := make([]threadPreview, 0, len(threads))
	for _, t := range threads {
		replies, err := s.store.LatestReplies(ctx, b.URI, t.ID, cfg.PreviewReplies)
		if err != nil {
			return fmt.Errorf("board %s page %d: %w", b.URI, page, err)
		}
		omitted := t.ReplyCount - len(replies)
		if omitted < 0 {
			omitted = 0
		}
		previews = append(previews, threadPreview{Thread: t, Replies: replies, Omitted: omitted})
	}
	data := boardData{
		common:  s.common(cfg, "/"+b.URI+"/", nav),
		Board:   b,
		Threads: previews,
		Page:    page,
		Pages:   pageList(pages),
	}
	if err := s.writePage(cfg, "board.html", data, pagePath(b.URI, page)...); err != nil {
		return err
	}
	return s.writeJSON(cfg, pageJSON(b.URI, page, pages, previews), b.URI, fmt.Sprintf("%d.json", page))
}

func (s *Site) renderThread(ctx context.Context, cfg Config, b storage.Board, nav []storage.Board, id int64) error {
	t, err := s.store.Thread(ctx, b.URI, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("thread gone, removing page", logx.String("board", b.URI), logx.Int64("thread", id))
		return s.removeThread(cfg, b.URI, id)
	}
	if err != nil {
		return err
	}
	posts, err := s.store.Posts(ctx, b.URI, id)
	if err != nil {
		return fmt.Errorf("thread %s/%d: %w", b.URI, id, err)
	}
	title := t.Subject
	if title == "" {
		title = fmt.Sprintf("/%s/ No.%d", b.URI, id)
	}
	data := threadData{common: s.common(cfg, title, nav), Board: b, Thread: t, Posts: posts}
	if err := s.writePage(cfg, "thread.html", data, b.URI, "res", fmt.Sprintf("%d.html", id)); err != nil {
		return err
	}
	return s.writeJSON(cfg, threadJSON(t, posts), b.URI, "res", fmt.Sprintf("%d.json", id))
}

func (s *Site) common(cfg Config, title string, nav []storage.Board) common {
	return common{Site: cfg.SiteName, Title: title, Nav: nav, Generated: s.now()}
}

func pageList(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
