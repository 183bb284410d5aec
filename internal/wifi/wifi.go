// Package wifi implements the station-mode association policy: connect
// with SSID/password, exponential backoff capped at a max retry count, and
// a connected/disconnected status callback. The actual radio/OS driver is an
// external collaborator (spec section 1); this package is pure state and
// timing policy against whatever HAL a real target supplies.
package wifi

import (
	"sync"
	"time"

	"voiceedge/internal/ferr"
)

// Config configures association and reconnect behavior.
type Config struct {
	SSID              string
	Password          string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxRetries        int
}

func (c *Config) setDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
}

// Radio is the minimal capability a real Wi-Fi HAL must provide; Link
// drives it rather than embedding any radio-specific logic itself.
type Radio interface {
	Associate(ssid, password string) error
	Disassociate() error
	RSSI() (int, error)
	IPAddress() (string, error)
	MACAddress() (string, error)
}

// Link is the WifiLink component: it owns the association state machine
// and backoff timer over a Radio implementation.
type Link struct {
	cfg   Config
	radio Radio

	mu        sync.Mutex
	connected bool
	onStatus  func(connected bool)
}

// New constructs a Link bound to radio.
func New(cfg Config, radio Radio) *Link {
	cfg.setDefaults()
	return &Link{cfg: cfg, radio: radio}
}

// SetStatusCallback registers fn to be invoked on every connect/disconnect
// transition.
func (l *Link) SetStatusCallback(fn func(connected bool)) {
	l.mu.Lock()
	l.onStatus = fn
	l.mu.Unlock()
}

// Connect attempts association, retrying with exponential backoff up to
// MaxRetries within this call. Each call starts its own backoff from
// scratch; NetworkManager's Reconnect tears down and rebuilds the whole
// stack rather than resuming a prior attempt's retry count.
func (l *Link) Connect() error {
	backoff := l.cfg.ReconnectInterval
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err := l.radio.Associate(l.cfg.SSID, l.cfg.Password); err != nil {
			lastErr = err
			continue
		}
		l.setConnected(true)
		return nil
	}
	return ferr.New(ferr.WifiFailed, "wifi.connect", lastErr)
}

// Disconnect tears down the association.
func (l *Link) Disconnect() error {
	err := l.radio.Disassociate()
	l.setConnected(false)
	if err != nil {
		return ferr.New(ferr.WifiFailed, "wifi.disconnect", err)
	}
	return nil
}

// IsConnected reports the last known association state.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// RSSI, IPAddress, and MACAddress proxy straight through to the radio.
func (l *Link) RSSI() (int, error)          { return l.radio.RSSI() }
func (l *Link) IPAddress() (string, error)  { return l.radio.IPAddress() }
func (l *Link) MACAddress() (string, error) { return l.radio.MACAddress() }

func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	changed := l.connected != v
	l.connected = v
	cb := l.onStatus
	l.mu.Unlock()
	if changed && cb != nil {
		cb(v)
	}
}
