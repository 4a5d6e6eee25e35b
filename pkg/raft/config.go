package raft

import "time"

// Config bundles the tunables and pluggable collaborators a Node needs.
type Config struct {
	RPCProvider   RPCProvider
	AsyncProvider AsyncProvider // optional: a CondAsyncProvider is created if nil

	// ElectionTimeout is the base follower/candidate election deadline;
	// the actual deadline is ElectionTimeout + uniform(0, ElectionSplay).
	ElectionTimeout time.Duration
	ElectionSplay   time.Duration

	// UpdateInterval is the cadence at which the embedder is expected to
	// call Node.Update, and the cadence Node.Run uses internally.
	UpdateInterval time.Duration

	// HeartbeatInterval governs how often a leader re-arms its tick and
	// re-emits AppendEntries broadcasts.
	HeartbeatInterval time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 150 * time.Millisecond
	}
	if cfg.ElectionSplay == 0 {
		cfg.ElectionSplay = 150 * time.Millisecond
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}
}
