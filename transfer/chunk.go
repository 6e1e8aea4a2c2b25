package transfer

import (
	. "github.com/PelionIoT/gridcore/data"
)

type SegmentChunk struct {
	Index   uint64
	Entries []*Entry
}

func (segmentChunk *SegmentChunk) IsEmpty() bool {
	return len(segmentChunk.Entries) == 0
}
