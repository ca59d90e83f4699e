package client

// Status is the connection lifecycle state exposed to consumers: the
// presence UI, offline banners, and save-urgency decisions all
// subscribe to transitions rather than polling.
type Status int

const (
	StatusConnecting Status = iota
	StatusSynced
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusSynced:
		return "synced"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}
