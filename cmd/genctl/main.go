// Command genctl talks to a running sitegen intake endpoint.
//
//	genctl [-addr host:port] rebuild -board b -page 2
//	genctl bump -board b -thread 10 -post 12 -bump
//	genctl status | generations [-limit n] | triggers | fire <name>
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"sitegen/internal/genqueue"
	"sitegen/internal/overboard"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8087", "intake address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + *addr, http: &http.Client{Timeout: *timeout}}
	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "rebuild":
		err = rebuild(ctx, c, args)
	case "bump":
		err = bump(ctx, c, args)
	case "status":
		err = c.do(ctx, http.MethodGet, "/v1/status", nil)
	case "generations":
		fs := flag.NewFlagSet("generations", flag.ExitOnError)
		limit := fs.Int("limit", 20, "entries to show")
		_ = fs.Parse(args)
		err = c.do(ctx, http.MethodGet, "/v1/generations?limit="+strconv.Itoa(*limit), nil)
	case "triggers":
		err = c.do(ctx, http.MethodGet, "/v1/triggers", nil)
	case "fire":
		if len(args) != 1 {
			err = fmt.Errorf("fire: trigger name required")
			break
		}
		err = c.do(ctx, http.MethodPost, "/v1/triggers/"+url.PathEscape(args[0])+"/fire", nil)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "genctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: genctl [-addr host:port] rebuild|bump|status|generations|triggers|fire [flags]")
	flag.PrintDefaults()
}

func rebuild(ctx context.Context, c *client, args []string) error {
	var m genqueue.Message
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	fs.BoolVar(&m.GlobalRebuild, "global", false, "rebuild every page")
	fs.BoolVar(&m.DefaultPages, "default", false, "rebuild the default pages")
	fs.BoolVar(&m.FrontPage, "front", false, "rebuild the front page")
	fs.StringVar(&m.Board, "board", "", "board uri")
	fs.BoolVar(&m.BuildAll, "all", false, "with -board, also rebuild its threads")
	fs.IntVar(&m.Page, "page", 0, "with -board, a single index page")
	fs.Int64Var(&m.Thread, "thread", 0, "with -board, a single thread")
	_ = fs.Parse(args)
	if _, err := m.Request(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/rebuild", m)
}

func bump(ctx context.Context, c *client, args []string) error {
	var b overboard.Bump
	fs := flag.NewFlagSet("bump", flag.ExitOnError)
	fs.StringVar(&b.Board, "board", "", "board uri")
	fs.Int64Var(&b.Thread, "thread", 0, "thread id")
	fs.Int64Var(&b.Post, "post", 0, "reply id (0 for a new thread)")
	fs.BoolVar(&b.Bump, "bump", false, "the reply bumps the thread")
	_ = fs.Parse(args)
	return c.do(ctx, http.MethodPost, "/v1/overboard", b)
}

type client struct {
	base string
	http *http.Client
}

// do sends body as JSON (when non-nil) and prints the indented response.
func (c *client) do(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Println(out.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
