// Package genqueue schedules static page rebuilds.
//
// Producers submit Requests (a global rebuild, the default pages, the front
// page, or a board, one of its index pages, or one of its threads). The Queue
// admits a request only if nothing already pending or running covers it:
//
//	global ⊇ default pages ⊇ front page
//	board all ⊇ board pages, pages, threads (per board)
//
// Admitted requests run in admission order, one at a time, on a Renderer.
// A failed render is reported on the event bus and the log; its claim is
// released as if it had succeeded and the next request proceeds.
package genqueue
