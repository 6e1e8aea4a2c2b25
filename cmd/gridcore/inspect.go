package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/node"
	. "github.com/PelionIoT/gridcore/shared"
	. "github.com/PelionIoT/gridcore/storage"
)

func init() {
	registerCommand("inspect", inspectNode, inspectUsage)
}

var inspectUsage string = `Usage: gridcore inspect -conf=[config file]

Prints the committed topology of every configured cache as it was last saved
in the node's data directory. The node must not be running.
`

func inspectNode() {
	var config YAMLNodeConfig

	if err := config.LoadFromFile(*optConfigFile); err != nil {
		fatalf("Unable to load config file: %s\n", err.Error())
	}

	cacheConfigs, err := config.CacheConfigurations()

	if err != nil {
		fatalf("Unable to load cache configurations: %s\n", err.Error())
	}

	marshaller, err := marshallerFor(config)

	if err != nil {
		fatalf("Unable to create marshaller: %s\n", err.Error())
	}

	store := NewLevelDBStateStore(config.DataDir, nil, marshaller)

	if err := store.Open(); err != nil {
		fatalf("Unable to open data directory %s: %s\n", config.DataDir, err.Error())
	}

	defer store.Close()

	for _, cacheConfig := range cacheConfigs {
		topology, err := RestoreTopology(cacheConfig.Name(), cacheConfig.Factory(), store)

		if err != nil {
			fmt.Fprintf(os.Stderr, "Cache %s: unable to restore topology: %v\n", cacheConfig.Name(), err)

			continue
		}

		if topology.SegmentMap == nil {
			fmt.Fprintf(os.Stdout, "Cache %s: no saved topology\n\n", cacheConfig.Name())

			continue
		}

		fmt.Fprintf(os.Stdout, "Cache %s: topology %d, %d members\n", cacheConfig.Name(), topology.ID, len(topology.Members))
		printOwnership(topology.SegmentMap)
		fmt.Fprintf(os.Stdout, "\n")
	}
}

func printOwnership(segmentMap *SegmentMap) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Segment", "Primary", "Backups"})

	for segment := uint64(0); segment < segmentMap.NumSegments(); segment++ {
		owners := segmentMap.Owners(segment)
		backups := make([]string, 0, len(owners))

		for i, owner := range owners {
			if i > 0 {
				backups = append(backups, string(owner))
			}
		}

		table.Append([]string{fmt.Sprintf("%d", segment), string(segmentMap.PrimaryOwner(segment)), strings.Join(backups, ", ")})
	}

	table.Render()

	ownership := segmentMap.OwnershipCounts()
	counts := tablewriter.NewWriter(os.Stdout)
	counts.SetHeader([]string{"Member", "Owned Segments"})

	for _, member := range segmentMap.Members() {
		counts.Append([]string{string(member), fmt.Sprintf("%d", ownership[member])})
	}

	counts.Render()
}
