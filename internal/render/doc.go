// Package render writes the static site.
//
// Site implements genqueue.Renderer and genqueue.Reloader. Every page is
// rendered from html/template into memory first and then moved into place
// with a temp-file rename, so readers never see a half-written page. Board
// and thread pages get a JSON sibling for API consumers.
//
// Output layout under the configured directory:
//
//	index.html              front page
//	overboard.html          overboard
//	404.html                not found page
//	<board>/index.html      board page 1 (and 1.json)
//	<board>/<n>.html        board page n (and <n>.json)
//	<board>/res/<id>.html   thread page (and <id>.json)
package render
