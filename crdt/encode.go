package crdt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/exp/maps"
)

// binary encoding for update blobs and state vectors.
// varint framed; op values are carried as json, the rest as
// length-prefixed strings and varints. The blob layout is only ever
// interpreted by this package.

func writeUvarint(w *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	w.Write(scratch[:n])
}

func writeString(w *bytes.Buffer, s string) {
	writeUvarint(w, uint64(len(s)))
	w.WriteString(s)
}

func writeValue(w *bytes.Buffer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	writeUvarint(w, uint64(len(encoded)))
	w.Write(encoded)
	return nil
}

type opReader struct {
	r *bytes.Reader
}

func (self *opReader) uvarint() (uint64, error) {
	return binary.ReadUvarint(self.r)
}

func (self *opReader) str() (string, error) {
	n, err := self.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(self.r.Len()) < n {
		return "", io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(self.r, out); err != nil {
		return "", err
	}
	return string(out), nil
}

func (self *opReader) value() (any, error) {
	encoded, err := self.str()
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func encodeOps(ops []op) ([]byte, error) {
	w := &bytes.Buffer{}
	writeUvarint(w, uint64(len(ops)))
	for i := range ops {
		o := &ops[i]
		w.WriteByte(o.kind)
		writeString(w, o.id.Site)
		writeUvarint(w, o.id.Seq)
		writeUvarint(w, o.ts)
		switch o.kind {
		case opCellInsert:
			writeUvarint(w, uint64(len(o.pos)))
			for _, seg := range o.pos {
				writeUvarint(w, seg.digit)
				writeString(w, seg.site)
			}
			if err := writeValue(w, o.value); err != nil {
				return nil, err
			}
		case opCellRemove:
			writeString(w, o.elem.Site)
			writeUvarint(w, o.elem.Seq)
		case opCellSet, opCellMetaSet:
			writeString(w, o.elem.Site)
			writeUvarint(w, o.elem.Seq)
			writeString(w, o.key)
			if err := writeValue(w, o.value); err != nil {
				return nil, err
			}
		case opMetaSet:
			writeString(w, o.key)
			if err := writeValue(w, o.value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown op kind %d", o.kind)
		}
	}
	return w.Bytes(), nil
}

func decodeOps(update []byte) ([]op, error) {
	r := &opReader{r: bytes.NewReader(update)}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i += 1 {
		kind, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		o := op{kind: kind}
		if o.id.Site, err = r.str(); err != nil {
			return nil, err
		}
		if o.id.Seq, err = r.uvarint(); err != nil {
			return nil, err
		}
		if o.ts, err = r.uvarint(); err != nil {
			return nil, err
		}
		switch kind {
		case opCellInsert:
			segCount, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			o.pos = make(position, 0, segCount)
			for j := uint64(0); j < segCount; j += 1 {
				var seg segment
				if seg.digit, err = r.uvarint(); err != nil {
					return nil, err
				}
				if seg.site, err = r.str(); err != nil {
					return nil, err
				}
				o.pos = append(o.pos, seg)
			}
			if o.value, err = r.value(); err != nil {
				return nil, err
			}
		case opCellRemove:
			if o.elem.Site, err = r.str(); err != nil {
				return nil, err
			}
			if o.elem.Seq, err = r.uvarint(); err != nil {
				return nil, err
			}
		case opCellSet, opCellMetaSet:
			if o.elem.Site, err = r.str(); err != nil {
				return nil, err
			}
			if o.elem.Seq, err = r.uvarint(); err != nil {
				return nil, err
			}
			if o.key, err = r.str(); err != nil {
				return nil, err
			}
			if o.value, err = r.value(); err != nil {
				return nil, err
			}
		case opMetaSet:
			if o.key, err = r.str(); err != nil {
				return nil, err
			}
			if o.value, err = r.value(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown op kind %d", kind)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func encodeStateVector(sv StateVector) []byte {
	sites := maps.Keys(sv)
	sort.Strings(sites)

	w := &bytes.Buffer{}
	writeUvarint(w, uint64(len(sites)))
	for _, site := range sites {
		writeString(w, site)
		writeUvarint(w, sv[site])
	}
	return w.Bytes()
}

func decodeStateVector(encoded []byte) (StateVector, error) {
	r := &opReader{r: bytes.NewReader(encoded)}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	for i := uint64(0); i < count; i += 1 {
		site, err := r.str()
		if err != nil {
			return nil, err
		}
		seq, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[site] = seq
	}
	return sv, nil
}
