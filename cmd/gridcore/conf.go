package main

import (
	"fmt"

	"github.com/google/uuid"
)

var templateConfig string = `# The id uniquely identifies this node in the cluster. A fresh id is generated
# every time this template is printed.
# **REQUIRED**
id: %s

# The host and port this node listens on for traffic from its peers and from
# the membership service
# **REQUIRED**
host: 0.0.0.0
port: 9090

# The directory where the committed topology of every cache is saved. If it
# doesn't exist it will be created.
# **REQUIRED**
dataDir: /tmp/gridcore

# One of critical, error, warning, notice, info or debug
logLevel: info

# Compress entry batches and saved state with zstd
compress: false

# How often, in milliseconds, every cache saves its committed topology
snapshotInterval: 60000

# The peers this node starts out with. The first membership view is this node
# plus these peers.
peers:
# Uncomment these next lines if there are other nodes in the cluster and edit
# accordingly
#    - id: node-2
#      host: 127.0.0.1
#      port: 9191
#    - id: node-3
#      host: 127.0.0.1
#      port: 9292

caches:
    - name: default
      # Must be a power of two
      numSegments: 256
      # The number of members that hold a copy of every segment
      numOwners: 2
      # DENY_READ_WRITES, ALLOW_READS or ALLOW_READ_WRITES
      partitionHandling: DENY_READ_WRITES
      # PRIMARY_ALWAYS, PRIMARY_NON_NULL or VERSION_BASED
      mergePolicy: VERSION_BASED
      # Entries per batch sent while moving segments between members
      chunkSize: 512
      # Segments transferred concurrently
      parallelism: 4
      # Retry settings for batch sends, in milliseconds
      initialBackoff: 100
      maxBackoff: 5000
      maxAttempts: 5
      # How long the coordinator waits for every member to confirm a rehash,
      # in milliseconds
      confirmTimeout: 30000
`

func init() {
	registerCommand("conf", generateConfig, confUsage)
}

var confUsage string = `Usage: gridcore conf > path/to/output.yaml
`

func generateConfig() {
	fmt.Printf(templateConfig, uuid.New().String())
}
