package genqueue

import (
	"fmt"
	"sort"
)

// Decision is the outcome of admission.
type Decision uint8

const (
	Admitted Decision = iota
	// RejectedGlobal: a global rebuild is pending or running.
	RejectedGlobal
	// RejectedDuplicate: the same unit of work is already pending or running.
	RejectedDuplicate
	// RejectedBoard: a full rebuild of the request's board is pending or running.
	RejectedBoard
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case RejectedGlobal:
		return "covered_by_global"
	case RejectedDuplicate:
		return "duplicate"
	case RejectedBoard:
		return "covered_by_board"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// boardState is the pending/in-flight record for one board.
type boardState struct {
	buildingAll   bool
	buildingPages bool
	pages         map[int]struct{}
	threads       map[ThreadID]struct{}
}

func newBoardState() *boardState {
	return &boardState{pages: map[int]struct{}{}, threads: map[ThreadID]struct{}{}}
}

func (b *boardState) empty() bool {
	return !b.buildingAll && !b.buildingPages && len(b.pages) == 0 && len(b.threads) == 0
}

// Tracker records which scopes are pending or in flight and decides admission.
//
// Scopes form a lattice: global covers everything; per board, a full rebuild
// covers its pages and threads. A request is admitted only if nothing pending
// already covers it. Tracker is not safe for concurrent use; the Queue actor
// is its only owner.
type Tracker struct {
	rebuildingAll          bool
	rebuildingDefaultPages bool
	rebuildingFrontPage    bool
	// frontPageClaims counts admitted FrontPage requests not yet released.
	// Finished default pages clear the latch while one may still be queued.
	frontPageClaims int

	boards map[string]*boardState
}

func NewTracker() *Tracker {
	return &Tracker{boards: map[string]*boardState{}}
}

// Admit decides whether r is new work and, if so, records it as pending.
// r must be valid.
func (t *Tracker) Admit(r Request) Decision {
	if t.rebuildingAll {
		return RejectedGlobal
	}

	switch r.Kind {
	case KindGlobal:
		t.rebuildingAll = true
		return Admitted
	case KindDefaultPages:
		if t.rebuildingDefaultPages {
			return RejectedDuplicate
		}
		t.rebuildingDefaultPages = true
		return Admitted
	case KindFrontPage:
		if t.rebuildingFrontPage {
			return RejectedDuplicate
		}
		t.rebuildingFrontPage = true
		t.frontPageClaims++
		return Admitted
	}

	b, ok := t.boards[r.Board]
	if !ok {
		b = newBoardState()
	}
	if b.buildingAll {
		return RejectedBoard
	}

	switch r.Kind {
	case KindBoardAll:
		b.buildingAll = true
	case KindBoardPages:
		if b.buildingPages {
			return RejectedDuplicate
		}
		b.buildingPages = true
	case KindPage:
		if _, dup := b.pages[r.Page]; dup {
			return RejectedDuplicate
		}
		b.pages[r.Page] = struct{}{}
	case KindThread:
		if _, dup := b.threads[r.Thread]; dup {
			return RejectedDuplicate
		}
		b.threads[r.Thread] = struct{}{}
	}
	// Board state is only kept once something for the board is admitted.
	t.boards[r.Board] = b
	return Admitted
}

// Release clears the state recorded for r when its rebuild finishes.
//
// A finished global rebuild also satisfies the default pages and the front
// page; finished default pages also satisfy the front page, so a FrontPage
// queued behind them no longer blocks a new one. A finished full
// board rebuild discards everything pending for that board.
//
// Release returns ErrNotTracked (and changes nothing) if r was not pending.
func (t *Tracker) Release(r Request) error {
	switch r.Kind {
	case KindGlobal:
		if !t.rebuildingAll {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		t.rebuildingAll = false
		t.rebuildingDefaultPages = false
		t.rebuildingFrontPage = false
		return nil
	case KindDefaultPages:
		if !t.rebuildingDefaultPages {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		t.rebuildingDefaultPages = false
		t.rebuildingFrontPage = false
		return nil
	case KindFrontPage:
		if t.frontPageClaims == 0 {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		t.frontPageClaims--
		if t.frontPageClaims == 0 {
			t.rebuildingFrontPage = false
		}
		return nil
	}

	b, ok := t.boards[r.Board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, r)
	}
	switch r.Kind {
	case KindBoardAll:
		if !b.buildingAll {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		delete(t.boards, r.Board)
		return nil
	case KindBoardPages:
		if !b.buildingPages {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		b.buildingPages = false
	case KindPage:
		if _, ok := b.pages[r.Page]; !ok {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		delete(b.pages, r.Page)
	case KindThread:
		if _, ok := b.threads[r.Thread]; !ok {
			return fmt.Errorf("%w: %s", ErrNotTracked, r)
		}
		delete(b.threads, r.Thread)
	default:
		return fmt.Errorf("%w: %s", ErrNotTracked, r)
	}
	if b.empty() {
		delete(t.boards, r.Board)
	}
	return nil
}

// Pending reports whether r's own flag or set membership is currently held.
// Covering scopes are not consulted.
func (t *Tracker) Pending(r Request) bool {
	switch r.Kind {
	case KindGlobal:
		return t.rebuildingAll
	case KindDefaultPages:
		return t.rebuildingDefaultPages
	case KindFrontPage:
		return t.rebuildingFrontPage
	}
	b, ok := t.boards[r.Board]
	if !ok {
		return false
	}
	switch r.Kind {
	case KindBoardAll:
		return b.buildingAll
	case KindBoardPages:
		return b.buildingPages
	case KindPage:
		_, ok := b.pages[r.Page]
		return ok
	case KindThread:
		_, ok := b.threads[r.Thread]
		return ok
	}
	return false
}

// BoardSnapshot is a copy of one board's pending state.
type BoardSnapshot struct {
	Board         string     `json:"board"`
	BuildingAll   bool       `json:"building_all"`
	BuildingPages bool       `json:"building_pages"`
	Pages         []int      `json:"pages,omitempty"`
	Threads       []ThreadID `json:"threads,omitempty"`
}

// TrackerSnapshot is a point-in-time copy of the tracker.
type TrackerSnapshot struct {
	RebuildingAll          bool            `json:"rebuilding_all"`
	RebuildingDefaultPages bool            `json:"rebuilding_default_pages"`
	RebuildingFrontPage    bool            `json:"rebuilding_front_page"`
	Boards                 []BoardSnapshot `json:"boards,omitempty"`
}

// Snapshot copies the tracker state with boards, pages and threads sorted.
func (t *Tracker) Snapshot() TrackerSnapshot {
	snap := TrackerSnapshot{
		RebuildingAll:          t.rebuildingAll,
		RebuildingDefaultPages: t.rebuildingDefaultPages,
		RebuildingFrontPage:    t.rebuildingFrontPage,
	}
	for uri, b := range t.boards {
		bs := BoardSnapshot{Board: uri, BuildingAll: b.buildingAll, BuildingPages: b.buildingPages}
		for p := range b.pages {
			bs.Pages = append(bs.Pages, p)
		}
		for id := range b.threads {
			bs.Threads = append(bs.Threads, id)
		}
		sort.Ints(bs.Pages)
		sort.Slice(bs.Threads, func(i, j int) bool { return bs.Threads[i] < bs.Threads[j] })
		snap.Boards = append(snap.Boards, bs)
	}
	sort.Slice(snap.Boards, func(i, j int) bool { return snap.Boards[i].Board < snap.Boards[j].Board })
	return snap
}
