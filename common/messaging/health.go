package messaging

// ConnChecker reports whether a broker connection is alive.
type ConnChecker interface {
	// IsConnected returns true if the client is connected.
	IsConnected() bool
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckConnHealth checks a broker connection and reports its state.
func CheckConnHealth(c ConnChecker) HealthStatus {
	status := HealthStatus{}

	if c == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = c.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
	}

	return status
}
