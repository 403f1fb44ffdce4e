package crdt

import (
	"strings"
)

// positions form a dense total order so that cell inserts commute.
// each segment is (digit, site); ties on digit break on site.
// a proper prefix sorts before any of its extensions.

const maxDigit = uint64(1) << 32

type segment struct {
	digit uint64
	site  string
}

type position []segment

func (self position) compare(other position) int {
	for i := 0; i < len(self) && i < len(other); i += 1 {
		if self[i].digit != other[i].digit {
			if self[i].digit < other[i].digit {
				return -1
			}
			return 1
		}
		if c := strings.Compare(self[i].site, other[i].site); c != 0 {
			return c
		}
	}
	if len(self) < len(other) {
		return -1
	} else if len(other) < len(self) {
		return 1
	}
	return 0
}

func (self position) clone() position {
	out := make(position, len(self))
	copy(out, self)
	return out
}

// positionBetween returns a fresh position strictly between `p` and `q`
// for the given site. `p == nil` means the head bound, `q == nil` the tail
// bound. The final segment of a generated position always has digit >= 1,
// which keeps the descent below from dead-ending on a fully consumed upper
// bound.
func positionBetween(p position, q position, site string) position {
	out := position{}
	pIn := true
	qIn := true
	for level := 0; ; level += 1 {
		var pseg *segment
		pd := uint64(0)
		if pIn && level < len(p) {
			pseg = &p[level]
			pd = pseg.digit
		}
		qd := maxDigit
		var qseg *segment
		if qIn && level < len(q) {
			qseg = &q[level]
			qd = qseg.digit
		}

		if pd+1 < qd {
			return append(out, segment{digit: pd + 1, site: site})
		}

		// no room at this level. commit a segment >= the lower bound and
		// <= the upper bound, then descend.
		var commit segment
		if pseg != nil {
			commit = *pseg
		} else if qseg != nil && qd == 0 {
			// digit 0 is minimal, so staying below q means tracking its
			// exact segment
			commit = *qseg
		} else {
			commit = segment{digit: pd, site: site}
		}
		out = append(out, commit)

		if pseg == nil || commit != *pseg {
			pIn = false
		} else if level == len(p)-1 {
			// p fully consumed; any extension is strictly greater
			pIn = false
		}
		if qseg == nil || commit != *qseg {
			qIn = false
		}
	}
}
