package cluster

import (
	"encoding/json"

	. "github.com/PelionIoT/gridcore/error"
)

type segmentMapJSON struct {
	NumSegments uint64     `json:"numSegments"`
	NumOwners   int        `json:"numOwners"`
	Members     []NodeID   `json:"members"`
	Owners      [][]NodeID `json:"owners"`
}

func (segmentMap *SegmentMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentMapJSON{
		NumSegments: segmentMap.numSegments,
		NumOwners:   segmentMap.numOwners,
		Members:     segmentMap.members,
		Owners:      segmentMap.owners,
	})
}

// UnmarshalJSON rejects maps that break the segment map invariants so a
// peer can never hand this member an unusable map.
func (segmentMap *SegmentMap) UnmarshalJSON(encoded []byte) error {
	var decoded segmentMapJSON

	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return err
	}

	if err := CheckSegmentSettings(decoded.NumSegments, decoded.NumOwners); err != nil {
		return NewCorruptStateError("", "invalid segment map: %v", err)
	}

	if uint64(len(decoded.Owners)) != decoded.NumSegments {
		return NewCorruptStateError("", "segment map lists %d owner sets for %d segments", len(decoded.Owners), decoded.NumSegments)
	}

	for segment, owners := range decoded.Owners {
		if len(owners) > decoded.NumOwners {
			return NewCorruptStateError("", "segment %d has %d owners", segment, len(owners))
		}

		for i, owner := range owners {
			if indexOf(decoded.Members, owner) < 0 || indexOf(owners[:i], owner) >= 0 {
				return NewCorruptStateError("", "segment %d has invalid owner %s", segment, owner)
			}
		}
	}

	*segmentMap = *newSegmentMap(decoded.NumSegments, decoded.NumOwners, decoded.Members, decoded.Owners)

	return nil
}
