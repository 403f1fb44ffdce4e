package crdt

// OpID identifies one operation. Seq is contiguous per site, starting at 1.
type OpID struct {
	Site string
	Seq  uint64
}

func (self OpID) IsZero() bool {
	return self.Site == "" && self.Seq == 0
}

const (
	opCellInsert  = byte(1)
	opCellRemove  = byte(2)
	opCellSet     = byte(3)
	opCellMetaSet = byte(4)
	opMetaSet     = byte(5)
)

// op is the unit of replication. Every mutation of a document is a sequence
// of ops; an update blob is an encoded sequence of ops.
type op struct {
	kind byte
	id   OpID
	// lamport timestamp for last-writer-wins resolution
	ts uint64

	// opCellInsert
	pos position

	// opCellRemove, opCellSet, opCellMetaSet: the insert op of the target cell
	elem OpID

	// opCellSet, opCellMetaSet, opMetaSet
	key string

	// opCellInsert: the full initial cell; set ops: the new value
	value any
}

// StateVector maps site -> highest contiguously applied seq.
type StateVector map[string]uint64

func (self StateVector) clone() StateVector {
	out := StateVector{}
	for site, seq := range self {
		out[site] = seq
	}
	return out
}
