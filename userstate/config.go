package userstate

import "time"

// UpsertMode selects how the gateway writes the remote document.
type UpsertMode string

const (
	// UpsertAtomic issues one insert-or-update keyed by user_id.
	UpsertAtomic UpsertMode = "atomic"
	// UpsertCheckThenAct fetches first, then updates or inserts.
	UpsertCheckThenAct UpsertMode = "check-then-act"
)

const (
	defaultTable    = "user_data"
	defaultTimeout  = 15 * time.Second
	defaultDebounce = 2000 * time.Millisecond
)

// SyncConfig controls the remote gateway and the sync scheduler.
type SyncConfig struct {
	BaseURL    string
	APIKey     string        // sent as the apikey header when set
	Table      string        // remote table name (default: user_data)
	Timeout    time.Duration // per-request HTTP timeout (default: 15s)
	Debounce   time.Duration // quiet window before a sync runs (default: 2s)
	UpsertMode UpsertMode    // default: atomic
	Retry      RetryConfig   // retry settings (zero uses defaults)
}

// DefaultSyncConfig returns defaults for baseURL.
func DefaultSyncConfig(baseURL string) SyncConfig {
	return SyncConfig{
		BaseURL:    baseURL,
		Table:      defaultTable,
		Timeout:    defaultTimeout,
		Debounce:   defaultDebounce,
		UpsertMode: UpsertAtomic,
		Retry:      DefaultRetryConfig(),
	}
}

// GetRetryConfig returns Retry config or defaults if not set.
func (c SyncConfig) GetRetryConfig() RetryConfig {
	if c.Retry.MaxAttempts == 0 {
		return DefaultRetryConfig()
	}
	return c.Retry
}

// GetTable returns the remote table name or the default.
func (c SyncConfig) GetTable() string {
	if c.Table == "" {
		return defaultTable
	}
	return c.Table
}

// GetTimeout returns the HTTP timeout or the default.
func (c SyncConfig) GetTimeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// GetDebounce returns the debounce window or the default.
// A negative value disables debouncing.
func (c SyncConfig) GetDebounce() time.Duration {
	if c.Debounce == 0 {
		return defaultDebounce
	}
	if c.Debounce < 0 {
		return 0
	}
	return c.Debounce
}

// GetUpsertMode returns the configured mode, defaulting to atomic.
func (c SyncConfig) GetUpsertMode() UpsertMode {
	if c.UpsertMode == UpsertCheckThenAct {
		return UpsertCheckThenAct
	}
	return UpsertAtomic
}

// StoreConfig controls the device-local store.
type StoreConfig struct {
	// MaxDocumentBytes caps the encoded size of any one document.
	// Larger writes are rejected by the medium but stay in memory. Zero means no cap.
	MaxDocumentBytes int
}
