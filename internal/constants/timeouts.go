package constants

import "time"

const (
	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// RedisPingTimeout bounds the startup connectivity check of the credential store.
	RedisPingTimeout = 5 * time.Second
	// RelaunchBackoff is the pause between attempts to bring a lost worker session back.
	RelaunchBackoff = 5 * time.Second
	// WorkerReconnectDelay is how long the development worker waits before redialing the bridge.
	WorkerReconnectDelay = 2 * time.Second
)
