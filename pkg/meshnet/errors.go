package meshnet

import "errors"

var (
	// ErrNotInitialized is returned when an operation is invoked before
	// Start or after Stop.
	ErrNotInitialized = errors.New("meshnet: node not initialized")

	// ErrPeerNotFound is returned when an explicit connect or send targets
	// a peer the local node has never heard of.
	ErrPeerNotFound = errors.New("meshnet: peer not found")

	// ErrRoutingUnavailable is returned by a targeted send that resolves
	// no next hops at all.
	ErrRoutingUnavailable = errors.New("meshnet: no route to any target")

	// ErrTransportUnavailable is returned when no adapter currently holds
	// the direct peer a send needs to reach.
	ErrTransportUnavailable = errors.New("meshnet: no adapter holds peer")

	// ErrAdapterUnavailable is returned by a transport adapter when the
	// peer it is asked to reach is not present on its medium (the chunked
	// adapter's Connect returns it for a peer not registered on its hub).
	ErrAdapterUnavailable = errors.New("meshnet: transport adapter unavailable")
)
