// Package netsim implements the deterministic in-process network simulator
// used as a test double for both the CoAP and HTTP transports (spec §4.2): a
// directed graph of nodes carrying per-edge latency and drop probability,
// plus datagram socket, connection, and listener abstractions with the same
// send/receive/connect/accept/bind/read/write surface a real OS transport
// would expose.
package netsim

import (
	"time"
)

// Edge is a directed link (src → dst) carrying latency and reliability
// (spec §3, NetworkEdge). Querying an added edge must return exactly the
// values that were set (Testable Property 7).
type Edge struct {
	Latency     time.Duration
	Reliability float64 // in [0, 1]
}

// Message is a single datagram in flight (spec §3, NetworkMessage).
type Message struct {
	SourceAddr string
	SourcePort int
	DestAddr   string
	DestPort   int
	Payload    []byte
}

