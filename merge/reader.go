package merge

import (
	"context"
	"fmt"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/transport"
)

// OwnerReader reads a segment from the owners one side assigned to it,
// trying them in owner order. Segments owned by the local member are read
// without going through the transport.
type OwnerReader struct {
	cache     string
	transport Transport
	topology  *Topology
	local     func(segment uint64) []*Entry
}

func NewOwnerReader(cache string, transport Transport, topology *Topology, local func(segment uint64) []*Entry) *OwnerReader {
	return &OwnerReader{
		cache:     cache,
		transport: transport,
		topology:  topology,
		local:     local,
	}
}

func (reader *OwnerReader) ReadSegment(ctx context.Context, segment uint64) ([]*Entry, error) {
	var lastErr error

	owners := reader.topology.ReadOwners(segment)

	// nobody on this side holds the segment
	if len(owners) == 0 {
		return []*Entry{}, nil
	}

	for _, owner := range owners {
		if owner == reader.transport.LocalID() && reader.local != nil {
			return reader.local(segment), nil
		}

		entries, err := reader.transport.FetchSegment(ctx, owner, reader.cache, segment)

		if err == nil {
			return entries, nil
		}

		Log.Warningf("Cache %s unable to read segment %d from node %s: %v", reader.cache, segment, owner, err)

		lastErr = err
	}

	return nil, fmt.Errorf("unable to read segment %d of topology %d: %w", segment, reader.topology.ID, lastErr)
}
