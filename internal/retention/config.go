package retention

import "time"

// Config holds every retention tunable as an injected struct rather than
// as global constants, per spec §9's "Global mutable state" note. Field
// names mirror the spec's tunable table (spec §6) so an operator reading
// retaind.toml next to the spec can match entries one for one.
type Config struct {
	// IndexRetentionDelay is how far behind latest_ts the index boundary
	// sits.
	IndexRetentionDelay time.Duration `toml:"index_retention_delay"`

	// DocumentRetentionDelay is the same for the document boundary.
	DocumentRetentionDelay time.Duration `toml:"document_retention_delay"`

	// MaxRetentionDelay upper-bounds the jittered startup wait and the
	// error backoff.
	MaxRetentionDelay time.Duration `toml:"max_retention_delay"`

	// AdvanceFrequency is the Boundary Advancer's tick period.
	AdvanceFrequency time.Duration `toml:"advance_frequency"`

	// DeletesEnabled is the master kill switch for actual deletions.
	DeletesEnabled bool `toml:"deletes_enabled"`

	// ReadChunk/ReadParallel govern the expired-stream chunking and
	// fan-out.
	ReadChunk    int `toml:"read_chunk"`
	ReadParallel int `toml:"read_parallel"`

	// DeleteChunk/DeleteParallel govern deletion chunking and shard
	// count.
	DeleteChunk    int `toml:"delete_chunk"`
	DeleteParallel int `toml:"delete_parallel"`

	// DeleteBatch is the early-return threshold per deletion pass.
	DeleteBatch int `toml:"delete_batch"`

	// FailEnabled turns on overload shedding.
	FailEnabled bool `toml:"fail_enabled"`

	// FailStartMultiplier/FailAllMultiplier bound the failure ramp,
	// measured in multiples of IndexRetentionDelay.
	FailStartMultiplier float64 `toml:"fail_start_multiplier"`
	FailAllMultiplier   float64 `toml:"fail_all_multiplier"`

	// DocumentsPageSize is the page size used for index accumulation.
	DocumentsPageSize int `toml:"documents_page_size"`

	// ErrorBackoffInitial is the starting interval for the Deleter/
	// Advancer error-backoff loop.
	ErrorBackoffInitial time.Duration `toml:"error_backoff_initial"`
}

// DefaultConfig returns the tunable defaults, chosen to match the
// original system's knobs module.
func DefaultConfig() *Config {
	return &Config{
		IndexRetentionDelay:    time.Hour,
		DocumentRetentionDelay: 24 * time.Hour,
		MaxRetentionDelay:      time.Minute,
		AdvanceFrequency:       15 * time.Second,
		DeletesEnabled:         true,
		ReadChunk:              100,
		ReadParallel:           4,
		DeleteChunk:            100,
		DeleteParallel:         4,
		DeleteBatch:            1000,
		FailEnabled:            true,
		FailStartMultiplier:    2.0,
		FailAllMultiplier:      4.0,
		DocumentsPageSize:      1000,
		ErrorBackoffInitial:    50 * time.Millisecond,
	}
}
