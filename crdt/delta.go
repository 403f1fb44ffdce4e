package crdt

// Deltas describe committed changes at the granularity observers care
// about: the cell list, single cell keys, and keys nested under a cell's
// metadata. Old/New values are snapshots captured at commit time, so an
// observer never has to race the live document to see the post-batch state.

type DeltaAction int

const (
	ActionAdd DeltaAction = iota
	ActionUpdate
	ActionDelete
)

func (self DeltaAction) String() string {
	switch self {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

type Delta interface {
	delta()
}

// ListDelta is an insert or removal of whole cells.
type ListDelta struct {
	Action DeltaAction
	// index among visible cells at commit time
	Index int
	Elem  OpID
	// the full cell, including metadata. For removals, the content at
	// removal time.
	Cell map[string]any
}

// MapKeyChange is a change of one top-level key, either of a cell
// (CellID set, Index >= 0) or of the notebook metadata (CellID empty,
// Index == -1).
type MapKeyChange struct {
	Action DeltaAction
	Elem   OpID
	CellID string
	Index  int
	Key    string
	Old    any
	New    any
}

// NestedMapKeyChange is a change of one key nested under a cell's
// metadata map.
type NestedMapKeyChange struct {
	Action DeltaAction
	Elem   OpID
	CellID string
	Index  int
	Key    string
	Old    any
	New    any
	// the whole cell metadata map after the change
	Metadata map[string]any
}

func (ListDelta) delta()          {}
func (MapKeyChange) delta()       {}
func (NestedMapKeyChange) delta() {}

// DeltaBatch is the set of deltas committed by one transaction or one
// applied update, in commit order. Origin carries the transaction origin
// tag; remote updates carry the origin the applier passed in.
type DeltaBatch struct {
	Origin string
	Deltas []Delta
}
