package render

import (
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode/utf8"

	"sitegen/internal/storage"
)

type common struct {
	Site      string
	Title     string
	Nav       []storage.Board
	Generated time.Time
}

type frontData struct {
	common
	Boards []storage.Board
	Recent []storage.Post
}

type overboardData struct {
	common
	Threads []storage.Thread
}

type threadPreview struct {
	Thread  storage.Thread
	Replies []storage.Post
	Omitted int
}

type boardData struct {
	common
	Board   storage.Board
	Threads []threadPreview
	Page    int
	Pages   []int
}

type threadData struct {
	common
	Board  storage.Board
	Thread storage.Thread
	Posts  []storage.Post
}

var funcs = template.FuncMap{
	"boardURL":  func(board string) string { return "/" + board + "/" },
	"pageURL":   pageURL,
	"threadURL": threadURL,
	"postURL": func(board string, thread, post int64) string {
		return threadURL(board, thread) + fmt.Sprintf("#p%d", post)
	},
	"fmtTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
	"postName": func(name string) string {
		if strings.TrimSpace(name) == "" {
			return "Anonymous"
		}
		return name
	},
	"excerpt": excerpt,
}

func pageURL(board string, page int) string {
	if page <= 1 {
		return "/" + board + "/"
	}
	return fmt.Sprintf("/%s/%d.html", board, page)
}

func threadURL(board string, thread int64) string {
	return fmt.Sprintf("/%s/res/%d.html", board, thread)
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// JSON siblings of the HTML pages.

type postJSON struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Message string    `json:"message"`
	Created time.Time `json:"created"`
}

type threadJSONDoc struct {
	Board      string     `json:"board"`
	ID         int64      `json:"id"`
	Subject    string     `json:"subject,omitempty"`
	Name       string     `json:"name,omitempty"`
	Message    string     `json:"message"`
	Created    time.Time  `json:"created"`
	LastBump   time.Time  `json:"last_bump"`
	Pinned     bool       `json:"pinned,omitempty"`
	Locked     bool       `json:"locked,omitempty"`
	ReplyCount int        `json:"reply_count"`
	Omitted    int        `json:"omitted,omitempty"`
	Posts      []postJSON `json:"posts,omitempty"`
}

type pageJSONDoc struct {
	Board   string          `json:"board"`
	Page    int             `json:"page"`
	Pages   int             `json:"pages"`
	Threads []threadJSONDoc `json:"threads"`
}

func postsJSON(posts []storage.Post) []postJSON {
	out := make([]postJSON, 0, len(posts))
	for _, p := range posts {
		out = append(out, postJSON{ID: p.ID, Name: p.Name, Subject: p.Subject, Message: p.Message, Created: p.Created})
	}
	return out
}

func threadJSON(t storage.Thread, posts []storage.Post) threadJSONDoc {
	return threadJSONDoc{
		Board: t.Board, ID: t.ID, Subject: t.Subject, Name: t.Name, Message: t.Message,
		Created: t.Created, LastBump: t.LastBump, Pinned: t.Pinned, Locked: t.Locked,
		ReplyCount: t.ReplyCount, Posts: postsJSON(posts),
	}
}

func threadsJSON(threads []storage.Thread) []threadJSONDoc {
	out := make([]threadJSONDoc, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadJSON(t, nil))
	}
	return out
}

func pageJSON(board string, page, pages int, previews []threadPreview) pageJSONDoc {
	doc := pageJSONDoc{Board: board, Page: page, Pages: pages, Threads: make([]threadJSONDoc, 0, len(previews))}
	for _, p := range previews {
		t := threadJSON(p.Thread, p.Replies)
		t.Omitted = p.Omitted
		doc.Threads = append(doc.Threads, t)
	}
	return doc
}
