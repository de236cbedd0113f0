// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads node runtime configuration the way the teacher's own
// envvar.go and profiles/ packages build up process configuration from
// environment variables and flags, but through github.com/spf13/viper: a
// single place that layers defaults, a config file, and CROS_-prefixed
// environment variables, mirroring the teacher's V23_* convention.
package config

import (
	"strings"

	"github.com/pborman/uuid"
	"github.com/spf13/viper"

	"github.com/it-robotics/cros/errs"
)

// Config is every tunable the node runtime reads at startup. spec.md §3
// describes most of these as Node attributes (master endpoint, advertised
// host, message-database root path); the port ranges and backoff tuning are
// ambient operational knobs a real deployment needs but spec.md leaves
// implicit.
type Config struct {
	// NodeName is this process's forward-slash-prefixed identifier.
	NodeName string
	// Anonymous appends a random suffix to NodeName at Load time, for
	// processes that run many instances of the same node concurrently and
	// don't care about a stable, predictable name.
	Anonymous bool
	// MasterURI is the external master coordinator's XML-RPC endpoint,
	// e.g. "http://localhost:11311".
	MasterURI string
	// AdvertisedHost is the host peers should use to reach this node's
	// negotiation and data listening sockets.
	AdvertisedHost string
	// NegotiationPortMin/Max bound the port this node's negotiation RPC
	// listener binds to; 0/0 means "let the OS choose".
	NegotiationPortMin int
	NegotiationPortMax int
	// DataPortMin/Max bound the port this node's peer data listener binds
	// to; 0/0 means "let the OS choose".
	DataPortMin int
	DataPortMax int
	// MessageDBRoot is the root path the external schema loader (out of
	// scope per spec.md §9) resolves message type definitions under.
	MessageDBRoot string
	// MasterCallMaxAttempts caps the total attempts (first try plus retries)
	// of a master API call before it is surfaced as failed (spec.md §4.2,
	// default 5).
	MasterCallMaxAttempts int
	// PeerDataQueueSize bounds the per-publisher outbound frame queue
	// (spec.md §4.3's "configured queue size").
	PeerDataQueueSize int
	// PeerDataHighWaterMark bounds the per-channel outbound byte buffer
	// before publish attempts would-block (spec.md §4.3, default 1 MiB).
	PeerDataHighWaterMark int
}

// New returns a *viper.Viper pre-seeded with this package's defaults and
// bound to CROS_-prefixed environment variables (e.g. CROS_MASTER_URI).
// Callers may layer a config file on top before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CROS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_name", "/unnamed")
	v.SetDefault("anonymous", false)
	v.SetDefault("master_uri", "http://localhost:11311")
	v.SetDefault("advertised_host", "127.0.0.1")
	v.SetDefault("negotiation_port_min", 0)
	v.SetDefault("negotiation_port_max", 0)
	v.SetDefault("data_port_min", 0)
	v.SetDefault("data_port_max", 0)
	v.SetDefault("message_db_root", "./msg")
	v.SetDefault("master_call_max_attempts", 5)
	v.SetDefault("peer_data_queue_size", 8)
	v.SetDefault("peer_data_high_water_mark", 1<<20)
	return v
}

// Load reads v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		NodeName:               v.GetString("node_name"),
		Anonymous:              v.GetBool("anonymous"),
		MasterURI:              v.GetString("master_uri"),
		AdvertisedHost:         v.GetString("advertised_host"),
		NegotiationPortMin:     v.GetInt("negotiation_port_min"),
		NegotiationPortMax:     v.GetInt("negotiation_port_max"),
		DataPortMin:            v.GetInt("data_port_min"),
		DataPortMax:            v.GetInt("data_port_max"),
		MessageDBRoot:          v.GetString("message_db_root"),
		MasterCallMaxAttempts:  v.GetInt("master_call_max_attempts"),
		PeerDataQueueSize:      v.GetInt("peer_data_queue_size"),
		PeerDataHighWaterMark:  v.GetInt("peer_data_high_water_mark"),
	}
	if cfg.Anonymous {
		cfg.NodeName = cfg.NodeName + "_" + uuid.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports an errs.BadArgument for any structurally invalid field.
func (c *Config) Validate() error {
	if c.NodeName == "" || c.NodeName[0] != '/' {
		return errs.New(errs.BadArgument, "config", "node_name must be forward-slash-prefixed, got ", c.NodeName)
	}
	if c.MasterURI == "" {
		return errs.New(errs.BadArgument, "config", "master_uri must not be empty")
	}
	if c.NegotiationPortMin > c.NegotiationPortMax {
		return errs.New(errs.BadArgument, "config", "negotiation_port_min must not exceed negotiation_port_max")
	}
	if c.DataPortMin > c.DataPortMax {
		return errs.New(errs.BadArgument, "config", "data_port_min must not exceed data_port_max")
	}
	if c.MasterCallMaxAttempts <= 0 {
		return errs.New(errs.BadArgument, "config", "master_call_max_attempts must be positive")
	}
	return nil
}
