// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resolver maps a relation snapshot and the credential store
// onto a single DesiredConfig value, or an explicit not-ready signal.
// The mapping itself is pure; the only side effect is credential
// issuance, isolated behind the CredentialSource interface so the core
// logic stays testable over an injected source.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/version/v2"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/routercfg"
	"github.com/openstack/charm-mysql-router/internal/credentials"
	"github.com/openstack/charm-mysql-router/internal/relation"
)

var logger = loggo.GetLogger("mysqlrouter.resolver")

// ErrNotReady signals that the relation data is insufficient to derive
// a configuration. It is a valid steady state, not a failure.
const ErrNotReady = errors.ConstError("not ready")

// IsNotReady reports whether err is a not-ready signal.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// CredentialSource is the slice of the credential store the resolver
// needs: idempotent issuance for tenants, and recording the
// externally-supplied cluster bootstrap secret.
type CredentialSource interface {
	Issue(owner string) (credentials.Credential, error)
	Ensure(owner, secret string) (credentials.Credential, error)
}

// Params carries the operator-supplied tunables and the target router
// version. Values are validated once, up front, by Validate.
type Params struct {
	BindAddress      string
	BasePort         int
	TTL              time.Duration
	AuthCacheRefresh time.Duration
	AuthCacheTTL     time.Duration
	MaxConnections   int64
	TargetVersion    version.Number
}

// Validate rejects parameter combinations the router would refuse.
func (p Params) Validate() error {
	if p.BindAddress == "" {
		return errors.NotValidf("empty bind address")
	}
	if p.BasePort < 1 || p.BasePort+3 > 65535 {
		return errors.NotValidf("base port %d", p.BasePort)
	}
	if p.TTL < 0 {
		return errors.NotValidf("negative ttl %s", p.TTL)
	}
	if p.AuthCacheRefresh <= 0 {
		return errors.NotValidf("auth cache refresh interval %s", p.AuthCacheRefresh)
	}
	if p.AuthCacheTTL >= 0 && p.AuthCacheRefresh >= p.AuthCacheTTL {
		return errors.NotValidf(
			"auth cache refresh interval %s not below auth cache ttl %s",
			p.AuthCacheRefresh, p.AuthCacheTTL)
	}
	mode := routercfg.LimitModeFor(p.TargetVersion)
	min, max := routercfg.MaxConnectionsRange(mode)
	if p.MaxConnections < min || p.MaxConnections > max {
		return errors.NotValidf("%s %d outside [%d, %d]", mode, p.MaxConnections, min, max)
	}
	return nil
}

// Resolution is the outcome of a successful pass: the derived
// configuration plus, per tenant left out of the grant list, the
// reason it is still pending. A pending tenant does not block the
// others.
type Resolution struct {
	Config  *routercfg.DesiredConfig
	Pending map[corerelation.Source]string
}

// Resolve derives the desired router state from a relation snapshot.
// It returns ErrNotReady when no cluster feed is present or the feed
// has zero endpoints. Database name collisions are settled
// first-claimant-wins, in tenant arrival order; losers are reported in
// Resolution.Pending rather than failing the pass.
func Resolve(snap relation.Snapshot, creds CredentialSource, p Params) (Resolution, error) {
	if err := p.Validate(); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	if snap.Cluster == nil {
		return Resolution{}, errors.Annotate(ErrNotReady, "waiting for cluster relation")
	}
	if len(snap.Cluster.Endpoints) == 0 {
		return Resolution{}, errors.Annotate(ErrNotReady, "cluster feed has no endpoints")
	}

	if _, err := creds.Ensure(credentials.ClusterOwner, snap.Cluster.Password); err != nil {
		return Resolution{}, errors.Annotate(err, "recording cluster bootstrap credential")
	}

	pending := make(map[corerelation.Source]string)
	claimed := make(map[string]corerelation.Source)
	var grants []routercfg.TenantGrant
	for _, req := range snap.Tenants {
		if winner, taken := claimed[req.Database]; taken {
			pending[req.Tenant] = fmt.Sprintf(
				"database %q already claimed by %q", req.Database, winner)
			logger.Debugf("tenant %q pending: database %q claimed by %q",
				req.Tenant, req.Database, winner)
			continue
		}
		cred, err := creds.Issue(req.Tenant.String())
		if err != nil {
			return Resolution{}, errors.Annotatef(err, "issuing credential for %q", req.Tenant)
		}
		claimed[req.Database] = req.Tenant
		grants = append(grants, routercfg.TenantGrant{
			Tenant:          req.Tenant,
			Database:        req.Database,
			Username:        req.Username,
			CredentialOwner: cred.Owner,
		})
	}
	// Arrival order settles claims; the emitted list is sorted by
	// tenant so structurally equal states compare equal.
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].Tenant < grants[j].Tenant
	})

	cfg := &routercfg.DesiredConfig{
		ClusterEpoch:        snap.Cluster.Epoch,
		BootstrapEndpoints:  snap.Cluster.Endpoints,
		BootstrapUsername:   snap.Cluster.Username,
		BootstrapCredential: credentials.ClusterOwner,
		BindAddress:         p.BindAddress,
		BasePort:            p.BasePort,
		Ports:               routercfg.DerivePorts(p.BasePort),
		TTL:                 p.TTL.Truncate(time.Millisecond),
		AuthCacheRefresh:    p.AuthCacheRefresh,
		AuthCacheTTL:        p.AuthCacheTTL,
		LimitMode:           routercfg.LimitModeFor(p.TargetVersion),
		MaxConnections:      p.MaxConnections,
		Grants:              grants,
	}
	if err := cfg.Validate(); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	return Resolution{Config: cfg, Pending: pending}, nil
}
