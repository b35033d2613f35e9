package meshnet

import "time"

// Tunable constants from spec §6.2. Defaults are hard-coded for the
// current phase; Config overrides the ones exposed in NodeConfig.
const (
	DefaultMeshTTL = 5
	MaxMeshTTL     = 15

	PeerHealthCheckInterval = 30 * time.Second
	PeerStaleTimeout        = 90 * time.Second
	PeerAnnounceInterval    = 15 * time.Second

	MessageDeduplicationWindow = 5 * time.Minute
	MaxDeduplicationCacheSize  = 10000

	DefaultFileChunkSize       = 65536
	MaxConcurrentFileTransfers = 3
)
