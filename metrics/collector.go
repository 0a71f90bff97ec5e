// Package metrics provides per-process counters for device sessions and
// archive storage.
//
// The Collector is a leaf package with no internal dependencies. Handshake
// figures are absorbed once per session from the wakeup stats rather than
// recorded per probe, so a retried session is never double-counted.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsOpened  int64 `json:"sessions_opened"`
	SessionsFailed  int64 `json:"sessions_failed"`
	SessionsClosed  int64 `json:"sessions_closed"`
	StartupFailures int64 `json:"startup_failures"`

	// Handshake (absorbed per session)
	HandshakeRounds int64 `json:"handshake_rounds"`
	HandshakeNoise  int64 `json:"handshake_noise"`

	// Established I/O
	BytesRead     int64 `json:"bytes_read"`
	BytesWritten  int64 `json:"bytes_written"`
	ReadTimeouts  int64 `json:"read_timeouts"`
	WriteTimeouts int64 `json:"write_timeouts"`

	// Archive store
	StorePushSuccess int64 `json:"store_push_success"`
	StorePushFailure int64 `json:"store_push_failure"`
	StorePullSuccess int64 `json:"store_pull_success"`
	StorePullFailure int64 `json:"store_pull_failure"`

	// Dimensions (informational, set at construction)
	Transport      string `json:"transport"`
	Device         string `json:"device"`
	StorageBackend string `json:"storage_backend"`
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsOpened  int64
	sessionsFailed  int64
	sessionsClosed  int64
	startupFailures int64

	handshakeRounds int64
	handshakeNoise  int64

	bytesRead     int64
	bytesWritten  int64
	readTimeouts  int64
	writeTimeouts int64

	storePushSuccess int64
	storePushFailure int64
	storePullSuccess int64
	storePullFailure int64

	transport      string
	device         string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels. Any may be empty.
func NewCollector(transport, device, storageBackend string) *Collector {
	return &Collector{
		transport:      transport,
		device:         device,
		storageBackend: storageBackend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionOpened records a session whose handshake completed.
func (c *Collector) IncSessionOpened() {
	if c == nil {
		return
	}
	c.add(&c.sessionsOpened, 1)
}

// IncSessionFailed records a session that failed to open.
func (c *Collector) IncSessionFailed() {
	if c == nil {
		return
	}
	c.add(&c.sessionsFailed, 1)
}

// IncStartupFailure records a handshake that never saw its marker.
// The session also counts as failed.
func (c *Collector) IncStartupFailure() {
	if c == nil {
		return
	}
	c.add(&c.startupFailures, 1)
}

// IncSessionClosed records a session close.
func (c *Collector) IncSessionClosed() {
	if c == nil {
		return
	}
	c.add(&c.sessionsClosed, 1)
}

// AbsorbHandshake adds one handshake's probe rounds and discarded noise bytes.
func (c *Collector) AbsorbHandshake(rounds, noise int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.handshakeRounds += int64(rounds)
	c.handshakeNoise += int64(noise)
	c.mu.Unlock()
}

// --- Established I/O ---

// AddBytesRead records bytes delivered to the caller.
func (c *Collector) AddBytesRead(n int) {
	if c == nil {
		return
	}
	c.add(&c.bytesRead, int64(n))
}

// AddBytesWritten records logical bytes accepted by the transport.
func (c *Collector) AddBytesWritten(n int) {
	if c == nil {
		return
	}
	c.add(&c.bytesWritten, int64(n))
}

// IncReadTimeout records a read that timed out.
func (c *Collector) IncReadTimeout() {
	if c == nil {
		return
	}
	c.add(&c.readTimeouts, 1)
}

// IncWriteTimeout records a write that timed out.
func (c *Collector) IncWriteTimeout() {
	if c == nil {
		return
	}
	c.add(&c.writeTimeouts, 1)
}

// --- Archive store ---
// Store counters are per-call: one Push of one archive is one success.

// IncStorePush records a push outcome.
func (c *Collector) IncStorePush(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.add(&c.storePushSuccess, 1)
	} else {
		c.add(&c.storePushFailure, 1)
	}
}

// IncStorePull records a pull outcome.
func (c *Collector) IncStorePull(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.add(&c.storePullSuccess, 1)
	} else {
		c.add(&c.storePullFailure, 1)
	}
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SessionsOpened:  c.sessionsOpened,
		SessionsFailed:  c.sessionsFailed,
		SessionsClosed:  c.sessionsClosed,
		StartupFailures: c.startupFailures,

		HandshakeRounds: c.handshakeRounds,
		HandshakeNoise:  c.handshakeNoise,

		BytesRead:     c.bytesRead,
		BytesWritten:  c.bytesWritten,
		ReadTimeouts:  c.readTimeouts,
		WriteTimeouts: c.writeTimeouts,

		StorePushSuccess: c.storePushSuccess,
		StorePushFailure: c.storePushFailure,
		StorePullSuccess: c.storePullSuccess,
		StorePullFailure: c.storePullFailure,

		Transport:      c.transport,
		Device:         c.device,
		StorageBackend: c.storageBackend,
	}
}
