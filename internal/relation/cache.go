// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation holds the relation state cache: the normalized,
// versioned snapshot of the latest payload received on each relation.
// The cache is the single place raw relation payloads are parsed; the
// resolver only ever sees typed snapshots.
package relation

import (
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
)

var logger = loggo.GetLogger("mysqlrouter.relation")

// ErrStaleEpoch is returned when a payload's epoch is not strictly
// greater than the stored epoch for its source. Stale deliveries are
// logged and dropped, never applied.
const ErrStaleEpoch = errors.ConstError("stale relation epoch")

// Snapshot is an immutable view of the cache handed to the resolver.
// Tenants are ordered by arrival: the first claimant of a database
// name wins, so arrival order is part of the contract.
type Snapshot struct {
	Cluster *corerelation.ClusterFeed
	Tenants []corerelation.TenantRequest
}

type tenantEntry struct {
	request corerelation.TenantRequest
	seq     int64
}

// Cache stores the latest payload per relation source. It is owned by
// the reconcile loop and is not safe for concurrent use.
type Cache struct {
	cluster       *corerelation.ClusterFeed
	clusterSource corerelation.Source
	tenants       map[corerelation.Source]tenantEntry
	nextSeq       int64
}

// NewCache returns an empty relation state cache.
func NewCache() *Cache {
	return &Cache{
		tenants: make(map[corerelation.Source]tenantEntry),
	}
}

// Update parses and stores the latest payload for a source. A payload
// whose epoch is not strictly greater than the stored one is rejected
// with ErrStaleEpoch; malformed payloads are rejected with a
// validation error. Neither disturbs the stored state.
func (c *Cache) Update(source corerelation.Source, payload map[string]interface{}) error {
	switch source.Relation() {
	case corerelation.DBRouterRelation:
		return errors.Trace(c.updateCluster(source, payload))
	case corerelation.SharedDBRelation:
		return errors.Trace(c.updateTenant(source, payload))
	default:
		return errors.NotValidf("relation source %q", source)
	}
}

func (c *Cache) updateCluster(source corerelation.Source, payload map[string]interface{}) error {
	feed, err := corerelation.ParseClusterFeed(payload)
	if err != nil {
		return errors.Trace(err)
	}
	if c.cluster != nil && feed.Epoch <= c.cluster.Epoch {
		return errors.Annotatef(ErrStaleEpoch,
			"cluster epoch %d not above stored epoch %d", feed.Epoch, c.cluster.Epoch)
	}
	logger.Debugf("cluster feed from %q at epoch %d with %d endpoints",
		source, feed.Epoch, len(feed.Endpoints))
	c.cluster = &feed
	c.clusterSource = source
	return nil
}

func (c *Cache) updateTenant(source corerelation.Source, payload map[string]interface{}) error {
	request, err := corerelation.ParseTenantRequest(source, payload)
	if err != nil {
		return errors.Trace(err)
	}
	entry, known := c.tenants[source]
	if known && request.Epoch <= entry.request.Epoch {
		return errors.Annotatef(ErrStaleEpoch,
			"tenant %q epoch %d not above stored epoch %d",
			source, request.Epoch, entry.request.Epoch)
	}
	if !known {
		entry.seq = c.nextSeq
		c.nextSeq++
	}
	logger.Debugf("tenant request from %q for database %q at epoch %d",
		source, request.Database, request.Epoch)
	entry.request = request
	c.tenants[source] = entry
	return nil
}

// Remove drops the stored state for a source on relation teardown. It
// reports whether a tenant entry was removed, in which case the caller
// must schedule revocation of that tenant's credential.
func (c *Cache) Remove(source corerelation.Source) bool {
	if source == c.clusterSource && c.cluster != nil {
		logger.Infof("cluster relation %q departed", source)
		c.cluster = nil
		c.clusterSource = ""
		return false
	}
	if _, ok := c.tenants[source]; ok {
		logger.Infof("tenant relation %q departed", source)
		delete(c.tenants, source)
		return true
	}
	return false
}

// Snapshot returns an immutable copy of the current state. Tenants are
// ordered by arrival.
func (c *Cache) Snapshot() Snapshot {
	var snap Snapshot
	if c.cluster != nil {
		feed := *c.cluster
		feed.Endpoints = append([]corerelation.Endpoint(nil), c.cluster.Endpoints...)
		snap.Cluster = &feed
	}
	entries := make([]tenantEntry, 0, len(c.tenants))
	for _, entry := range c.tenants {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, entry := range entries {
		snap.Tenants = append(snap.Tenants, entry.request)
	}
	return snap
}
