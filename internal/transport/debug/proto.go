package debug

import "voxelcraft.ai/chunksys/internal/chunksys/scheduling"

// Version is the dump stream protocol version.
const Version = "1"

// Client -> Server. First message on the stream, and can be re-sent to
// change the interval.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMS      int    `json:"interval_ms,omitempty"`
}

// Server -> Client.
type DumpMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	Dump            scheduling.Dump `json:"dump"`
}

// TicketRequest is the body of POST /debug/tickets.
type TicketRequest struct {
	Op    string `json:"op"`
	Type  string `json:"type"`
	X     int32  `json:"x"`
	Z     int32  `json:"z"`
	Level int    `json:"level"`
	ID    int64  `json:"id"`
}

type TicketResponse struct {
	Changed bool         `json:"changed"`
	Tickets []TicketView `json:"tickets"`
}

type TicketView struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
	ID    int64  `json:"id"`
}
