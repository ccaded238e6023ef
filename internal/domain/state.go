package domain

// ConnectionState mirrors the peer connection state reported by the media engine.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Lost reports whether the state means the media path is gone or going.
func (s ConnectionState) Lost() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed || s == ConnectionClosed
}

type IceState string

const (
	IceNew          IceState = "new"
	IceChecking     IceState = "checking"
	IceConnected    IceState = "connected"
	IceCompleted    IceState = "completed"
	IceFailed       IceState = "failed"
	IceDisconnected IceState = "disconnected"
	IceClosed       IceState = "closed"
)

// Established reports whether ICE found a working candidate pair.
func (s IceState) Established() bool { return s == IceConnected || s == IceCompleted }
