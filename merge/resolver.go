package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/logging"
	"github.com/PelionIoT/gridcore/metrics"
	. "github.com/PelionIoT/gridcore/transfer"
)

const DefaultMergeParallelism = 4

type SegmentReader interface {
	ReadSegment(ctx context.Context, segment uint64) ([]*Entry, error)
}

// MergeSide is one of the sub-clusters that reconnect: the topology it
// committed while split and a way to read its data.
type MergeSide struct {
	Topology *Topology
	Reader   SegmentReader
}

type MergeResult struct {
	Topology         *Topology
	DivergedSegments []uint64
	ResolvedEntries  int
}

type MergeResolver struct {
	cache       string
	factory     ConsistentHashFactory
	policy      MergePolicy
	writer      BatchWriter
	parallelism int
}

func NewMergeResolver(cache string, factory ConsistentHashFactory, policy MergePolicy, writer BatchWriter) *MergeResolver {
	return &MergeResolver{
		cache:       cache,
		factory:     factory,
		policy:      policy,
		writer:      writer,
		parallelism: DefaultMergeParallelism,
	}
}

// Merge unions the maps of both sides and reconciles every segment whose
// owner set differs between them. The returned topology is newer than both
// sides. Merging two identical sides writes nothing.
func (resolver *MergeResolver) Merge(ctx context.Context, a MergeSide, b MergeSide, ancestor *SegmentMap) (*MergeResult, error) {
	mergedMap, err := resolver.factory.Union(a.Topology.SegmentMap, b.Topology.SegmentMap)

	if err != nil {
		return nil, err
	}

	id := a.Topology.ID

	if b.Topology.ID > id {
		id = b.Topology.ID
	}

	merged := NewTopology(id+1, mergedMap.Members(), mergedMap)
	diverged := divergedSegments(a.Topology.SegmentMap, b.Topology.SegmentMap)
	result := &MergeResult{Topology: merged, DivergedSegments: diverged}

	Log.Infof("Cache %s merging topologies %d and %d into %d: %d segments diverged, policy %s", resolver.cache, a.Topology.ID, b.Topology.ID, merged.ID, len(diverged), resolver.policy)

	var resolvedLock sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(resolver.parallelism)

	for _, segment := range diverged {
		segment := segment

		group.Go(func() error {
			resolved, err := resolver.mergeSegment(groupCtx, merged, segment, a, b, ancestor)

			if err != nil {
				return fmt.Errorf("segment %d: %w", segment, err)
			}

			resolvedLock.Lock()
			result.ResolvedEntries += resolved
			resolvedLock.Unlock()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		Log.Errorf("Cache %s failed to merge topologies %d and %d: %v", resolver.cache, a.Topology.ID, b.Topology.ID, err)

		return nil, err
	}

	return result, nil
}

func (resolver *MergeResolver) mergeSegment(ctx context.Context, merged *Topology, segment uint64, a MergeSide, b MergeSide, ancestor *SegmentMap) (int, error) {
	var aEntries, bEntries []*Entry

	reads, readCtx := errgroup.WithContext(ctx)

	reads.Go(func() (err error) {
		aEntries, err = readSide(readCtx, a, segment)

		return err
	})

	reads.Go(func() (err error) {
		bEntries, err = readSide(readCtx, b, segment)

		return err
	})

	if err := reads.Wait(); err != nil {
		return 0, err
	}

	preferred, other := aEntries, bEntries

	if PreferredSide(segment, a.Topology.SegmentMap, b.Topology.SegmentMap, ancestor) == 1 {
		preferred, other = bEntries, aEntries
	}

	resolved := resolver.resolveAll(preferred, other)

	if err := resolver.writer.WriteSegment(ctx, merged.ID, segment, merged.SegmentMap.Owners(segment), resolved); err != nil {
		return 0, err
	}

	return len(resolved), nil
}

// resolveAll resolves every key present on either side, in key order
func (resolver *MergeResolver) resolveAll(preferred []*Entry, other []*Entry) []*Entry {
	preferredByKey := indexEntries(preferred)
	otherByKey := indexEntries(other)
	keys := make([]string, 0, len(preferredByKey)+len(otherByKey))

	for key := range preferredByKey {
		keys = append(keys, key)
	}

	for key := range otherByKey {
		if _, ok := preferredByKey[key]; !ok {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	resolved := make([]*Entry, 0, len(keys))

	for _, key := range keys {
		entry, outcome := resolver.policy.resolve(preferredByKey[key], otherByKey[key])

		if entry == nil {
			continue
		}

		metrics.MergeResolutions.WithLabelValues(resolver.cache, resolver.policy.String(), outcome).Inc()
		resolved = append(resolved, entry)
	}

	return resolved
}

// PreferredSide returns 0 if side a holds the preferred entries for a
// segment and 1 for side b. The preferred side is the one whose primary
// owner is the ancestor's primary owner. Otherwise the side with the
// lexically lowest primary wins.
func PreferredSide(segment uint64, a *SegmentMap, b *SegmentMap, ancestor *SegmentMap) int {
	aPrimary := a.PrimaryOwner(segment)
	bPrimary := b.PrimaryOwner(segment)

	if aPrimary == "" {
		return 1
	}

	if bPrimary == "" {
		return 0
	}

	if ancestor != nil {
		ancestorPrimary := ancestor.PrimaryOwner(segment)
		aSurvived := aPrimary == ancestorPrimary
		bSurvived := bPrimary == ancestorPrimary

		if aSurvived != bSurvived {
			if aSurvived {
				return 0
			}

			return 1
		}
	}

	if bPrimary < aPrimary {
		return 1
	}

	return 0
}

// divergedSegments lists segments whose owner sets differ between the maps
func divergedSegments(a *SegmentMap, b *SegmentMap) []uint64 {
	diverged := make([]uint64, 0)

	for segment := uint64(0); segment < a.NumSegments(); segment++ {
		aOwners := SortedNodeIDs(a.Owners(segment))
		bOwners := SortedNodeIDs(b.Owners(segment))

		if len(aOwners) != len(bOwners) {
			diverged = append(diverged, segment)

			continue
		}

		for i := range aOwners {
			if aOwners[i] != bOwners[i] {
				diverged = append(diverged, segment)

				break
			}
		}
	}

	return diverged
}

func readSide(ctx context.Context, side MergeSide, segment uint64) ([]*Entry, error) {
	if len(side.Topology.SegmentMap.Owners(segment)) == 0 {
		return []*Entry{}, nil
	}

	return side.Reader.ReadSegment(ctx, segment)
}

func indexEntries(entries []*Entry) map[string]*Entry {
	byKey := make(map[string]*Entry, len(entries))

	for _, entry := range entries {
		if entry != nil {
			byKey[entry.Key] = entry
		}
	}

	return byKey
}
