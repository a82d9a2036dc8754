// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package routercfg defines the value types describing a desired MySQL
// Router configuration and the validation rules the external router
// imposes on them. A DesiredConfig is an immutable value: every
// resolution pass produces a fresh one and the previous value is
// replaced wholesale, never patched.
package routercfg

import (
	"math"
	"reflect"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/openstack/charm-mysql-router/core/relation"
)

const (
	// DefaultBasePort is the first of the four ports the router
	// listens on.
	DefaultBasePort = 3306

	// DefaultTTL is the metadata cache refresh interval.
	DefaultTTL = 500 * time.Millisecond

	// DefaultAuthCacheRefresh is the auth-cache refresh interval.
	DefaultAuthCacheRefresh = 2 * time.Second

	// DefaultAuthCacheTTL is negative, meaning the auth cache never
	// expires.
	DefaultAuthCacheTTL = -time.Second

	// DefaultMaxConnections is the router's stock connection cap.
	DefaultMaxConnections = 1024
)

// Port offsets fixed by the router's bootstrap layout.
const (
	rwOffset      = 0
	roOffset      = 1
	rwSplitOffset = 2
	roSplitOffset = 3
)

// PortSet holds the four listener ports derived from the base port.
type PortSet struct {
	RW      int `yaml:"rw"`
	RO      int `yaml:"ro"`
	RWSplit int `yaml:"rw-split"`
	ROSplit int `yaml:"ro-split"`
}

// DerivePorts computes the listener ports for a base port.
func DerivePorts(basePort int) PortSet {
	return PortSet{
		RW:      basePort + rwOffset,
		RO:      basePort + roOffset,
		RWSplit: basePort + rwSplitOffset,
		ROSplit: basePort + roSplitOffset,
	}
}

// ConnectionLimitMode selects which connection-cap knob the target
// router version understands.
type ConnectionLimitMode string

const (
	// PerRouteLimit is the legacy per-routing-section max_connections.
	PerRouteLimit ConnectionLimitMode = "max_connections"

	// GlobalLimit is the router-wide max_total_connections knob.
	GlobalLimit ConnectionLimitMode = "max_total_connections"
)

// maxTotalConnectionsSince is the first router release understanding
// max_total_connections.
var maxTotalConnectionsSince = version.Number{Major: 8, Minor: 0, Patch: 30}

// LimitModeFor returns the connection-cap knob appropriate for the
// target router version.
func LimitModeFor(target version.Number) ConnectionLimitMode {
	if target.Compare(maxTotalConnectionsSince) >= 0 {
		return GlobalLimit
	}
	return PerRouteLimit
}

// MaxConnectionsRange returns the inclusive bounds the router enforces
// for the given knob.
func MaxConnectionsRange(mode ConnectionLimitMode) (int64, int64) {
	if mode == GlobalLimit {
		return 1, math.MaxInt64
	}
	return 1, 65535
}

// TTLFromSeconds converts an operator-supplied float ttl in seconds to
// a duration, truncated to millisecond granularity as the router does.
func TTLFromSeconds(seconds float64) time.Duration {
	return time.Duration(int64(seconds*1000)) * time.Millisecond
}

// TenantGrant records one tenant's claim on a database: who asked,
// what they were granted, and which credential store entry backs it.
// The grant carries a credential reference, never the secret itself.
type TenantGrant struct {
	Tenant          relation.Source `yaml:"tenant"`
	Database        string          `yaml:"database"`
	Username        string          `yaml:"username"`
	CredentialOwner string          `yaml:"credential-owner"`
}

// DesiredConfig is the complete derived router state for one
// resolution pass.
type DesiredConfig struct {
	// ClusterEpoch identifies the cluster generation this config was
	// built against. A change of epoch requires a full re-bootstrap.
	ClusterEpoch int64 `yaml:"cluster-epoch"`

	// BootstrapEndpoints are the cluster members the router bootstraps
	// against, in feed order.
	BootstrapEndpoints []relation.Endpoint `yaml:"bootstrap-endpoints"`

	// BootstrapUsername and BootstrapCredential name the account used
	// for bootstrap. The credential is a store owner key, not a
	// secret.
	BootstrapUsername   string `yaml:"bootstrap-username"`
	BootstrapCredential string `yaml:"bootstrap-credential"`

	// BindAddress is where the router listens. Subordinate deployments
	// keep MySQL traffic on localhost.
	BindAddress string `yaml:"bind-address"`

	BasePort int     `yaml:"base-port"`
	Ports    PortSet `yaml:"ports"`

	// TTL is the metadata cache refresh interval, millisecond
	// granularity, zero meaning continuous polling.
	TTL time.Duration `yaml:"ttl"`

	// AuthCacheRefresh and AuthCacheTTL tune the router's auth cache.
	// A negative AuthCacheTTL means the cache never expires.
	AuthCacheRefresh time.Duration `yaml:"auth-cache-refresh"`
	AuthCacheTTL     time.Duration `yaml:"auth-cache-ttl"`

	LimitMode      ConnectionLimitMode `yaml:"limit-mode"`
	MaxConnections int64               `yaml:"max-connections"`

	// Grants lists the tenant claims honoured by this configuration,
	// ordered by tenant for determinism.
	Grants []TenantGrant `yaml:"grants,omitempty"`
}

// Validate checks every invariant the external router enforces, so a
// bad configuration is rejected here instead of by a failed service
// start.
func (c *DesiredConfig) Validate() error {
	if len(c.BootstrapEndpoints) == 0 {
		return errors.NotValidf("configuration without bootstrap endpoints")
	}
	if c.BootstrapUsername == "" {
		return errors.NotValidf("empty bootstrap username")
	}
	if c.BindAddress == "" {
		return errors.NotValidf("empty bind address")
	}
	if c.BasePort < 1 || c.BasePort+roSplitOffset > 65535 {
		return errors.NotValidf("base port %d", c.BasePort)
	}
	if c.Ports != DerivePorts(c.BasePort) {
		return errors.NotValidf("ports %+v not derived from base port %d", c.Ports, c.BasePort)
	}
	if c.TTL < 0 {
		return errors.NotValidf("negative ttl %s", c.TTL)
	}
	if c.TTL.Truncate(time.Millisecond) != c.TTL {
		return errors.NotValidf("ttl %s finer than millisecond granularity", c.TTL)
	}
	if c.AuthCacheRefresh <= 0 {
		return errors.NotValidf("auth cache refresh interval %s", c.AuthCacheRefresh)
	}
	// The router refuses to start when the refresh interval is not
	// strictly below a non-negative cache ttl.
	if c.AuthCacheTTL >= 0 && c.AuthCacheRefresh >= c.AuthCacheTTL {
		return errors.NotValidf(
			"auth cache refresh interval %s not below auth cache ttl %s",
			c.AuthCacheRefresh, c.AuthCacheTTL)
	}
	if c.LimitMode != PerRouteLimit && c.LimitMode != GlobalLimit {
		return errors.NotValidf("connection limit mode %q", c.LimitMode)
	}
	min, max := MaxConnectionsRange(c.LimitMode)
	if c.MaxConnections < min || c.MaxConnections > max {
		return errors.NotValidf("%s %d outside [%d, %d]", c.LimitMode, c.MaxConnections, min, max)
	}

	tenants := set.NewStrings()
	databases := set.NewStrings()
	for _, g := range c.Grants {
		if tenants.Contains(g.Tenant.String()) {
			return errors.NotValidf("duplicate grant for tenant %q", g.Tenant)
		}
		if databases.Contains(g.Database) {
			return errors.NotValidf("database %q granted twice", g.Database)
		}
		if g.CredentialOwner == "" {
			return errors.NotValidf("grant for %q without credential", g.Tenant)
		}
		tenants.Add(g.Tenant.String())
		databases.Add(g.Database)
	}
	return nil
}

// Equal reports whether two configurations are structurally identical.
func (c *DesiredConfig) Equal(other *DesiredConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(*c, *other)
}

// AppliedConfig is the last configuration known to have been
// materialised into the running service, tagged with the cluster epoch
// it was bootstrapped against. It is persisted so an agent restart
// does not force a needless re-bootstrap.
type AppliedConfig struct {
	ClusterEpoch int64         `yaml:"cluster-epoch"`
	Config       DesiredConfig `yaml:"config"`
}
