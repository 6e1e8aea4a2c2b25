package transfer

import (
	"io"

	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
)

const (
	DefaultChunkSize = 100
)

type EntryIterator interface {
	Next() bool
	Entry() *Entry
	Release()
	Error() error
}

type SegmentTransfer interface {
	NextChunk() (SegmentChunk, error)
	Cancel()
}

// OutgoingTransfer cuts a segment into chunks of at most chunkSize
// entries. The last chunk is returned together with io.EOF.
type OutgoingTransfer struct {
	segmentIterator EntryIterator
	chunkSize       int
	nextChunkIndex  uint64
	err             error
}

func NewOutgoingTransfer(segmentIterator EntryIterator, chunkSize int) *OutgoingTransfer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &OutgoingTransfer{
		segmentIterator: segmentIterator,
		chunkSize:       chunkSize,
		nextChunkIndex:  1,
	}
}

func (transfer *OutgoingTransfer) NextChunk() (SegmentChunk, error) {
	if transfer.err != nil {
		return SegmentChunk{}, transfer.err
	}

	entries := make([]*Entry, 0, transfer.chunkSize)

	for transfer.segmentIterator.Next() {
		entries = append(entries, transfer.segmentIterator.Entry())

		if len(entries) == transfer.chunkSize {
			index := transfer.nextChunkIndex
			transfer.nextChunkIndex++

			return SegmentChunk{
				Index:   index,
				Entries: entries,
			}, nil
		}
	}

	transfer.segmentIterator.Release()

	if transfer.segmentIterator.Error() != nil {
		transfer.err = transfer.segmentIterator.Error()

		return SegmentChunk{}, transfer.err
	}

	transfer.err = io.EOF

	if len(entries) == 0 {
		return SegmentChunk{}, transfer.err
	}

	index := transfer.nextChunkIndex
	transfer.nextChunkIndex++

	return SegmentChunk{
		Index:   index,
		Entries: entries,
	}, transfer.err
}

func (transfer *OutgoingTransfer) Cancel() {
	if transfer.err == nil {
		transfer.err = ETransferCancelled
	}

	transfer.segmentIterator.Release()
}

// sliceIterator walks entries that are already in memory
type sliceIterator struct {
	entries  []*Entry
	position int
}

func newSliceIterator(entries []*Entry) *sliceIterator {
	return &sliceIterator{entries: entries, position: -1}
}

func (it *sliceIterator) Next() bool {
	if it.position+1 >= len(it.entries) {
		it.position = len(it.entries)

		return false
	}

	it.position++

	return true
}

func (it *sliceIterator) Entry() *Entry {
	return it.entries[it.position]
}

func (it *sliceIterator) Release() {
}

func (it *sliceIterator) Error() error {
	return nil
}
