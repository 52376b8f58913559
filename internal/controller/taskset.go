package controller

import (
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/packrat/internal/types"
)

// visitGroup tracks the storage writes dispatched for one visit. Writes
// run concurrently; the group is joined exactly once, at finalize or
// during the final task sweep.
type visitGroup struct {
	g     errgroup.Group
	count int
}

// taskSet maps visits to their pending write groups.
//
// Only the controller loop goroutine touches the map, so it needs no lock:
// dispatch, finalize, and the shutdown sweep are all suspension points of
// the same logical thread. Missing keys read as empty, which keeps
// finalizing an unknown visit a harmless no-op.
type taskSet map[types.VisitID]*visitGroup

// group returns the visit's group, creating it on first dispatch.
func (ts taskSet) group(visitID types.VisitID) *visitGroup {
	vg, ok := ts[visitID]
	if !ok {
		vg = &visitGroup{}
		ts[visitID] = vg
	}
	return vg
}

// wait joins all writes queued for the visit. Returns nil for unknown
// visits. The first write error, if any, is returned.
func (ts taskSet) wait(visitID types.VisitID) error {
	vg, ok := ts[visitID]
	if !ok {
		return nil
	}
	return vg.g.Wait()
}

// count returns how many writes have been dispatched for the visit.
// Zero for unknown visits.
func (ts taskSet) count(visitID types.VisitID) int {
	if vg, ok := ts[visitID]; ok {
		return vg.count
	}
	return 0
}

// remove drops the visit's entry after finalization.
func (ts taskSet) remove(visitID types.VisitID) {
	delete(ts, visitID)
}

// pendingVisits returns the visits that still have an entry.
func (ts taskSet) pendingVisits() []types.VisitID {
	out := make([]types.VisitID, 0, len(ts))
	for id := range ts {
		out = append(out, id)
	}
	return out
}
