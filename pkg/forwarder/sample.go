package forwarder

import "time"

// Sample is one probe outcome for a single server of a Forwarder, written
// exclusively by the health monitor (C5).
type Sample struct {
	ForwarderID int64
	ServerIP    string
	TS          time.Time
	OK          bool
	ResponseMS  *int64
	Error       *string
}
