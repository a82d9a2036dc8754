// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/internal/relation"
)

type cacheSuite struct {
	testing.IsolationSuite
	cache *relation.Cache
}

var _ = gc.Suite(&cacheSuite{})

func (s *cacheSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.cache = relation.NewCache()
}

func clusterPayload(epoch int) map[string]interface{} {
	return map[string]interface{}{
		"epoch":    epoch,
		"username": "mysqlrouteruser",
		"password": "sekrit",
		"endpoints": []interface{}{
			map[string]interface{}{"host": "10.0.0.1", "port": 3306, "role": "rw"},
		},
	}
}

func tenantPayload(database string, epoch int) map[string]interface{} {
	return map[string]interface{}{
		"database": database,
		"username": database,
		"epoch":    epoch,
	}
}

func (s *cacheSuite) TestUpdateCluster(c *gc.C) {
	err := s.cache.Update("db-router:0", clusterPayload(1))
	c.Assert(err, jc.ErrorIsNil)

	snap := s.cache.Snapshot()
	c.Assert(snap.Cluster, gc.NotNil)
	c.Check(snap.Cluster.Epoch, gc.Equals, int64(1))
}

func (s *cacheSuite) TestUpdateRejectsStaleClusterEpoch(c *gc.C) {
	c.Assert(s.cache.Update("db-router:0", clusterPayload(2)), jc.ErrorIsNil)

	// Same epoch and lower epoch are both stale.
	err := s.cache.Update("db-router:0", clusterPayload(2))
	c.Check(err, jc.ErrorIs, relation.ErrStaleEpoch)
	err = s.cache.Update("db-router:0", clusterPayload(1))
	c.Check(err, jc.ErrorIs, relation.ErrStaleEpoch)

	// The stored state is undisturbed.
	snap := s.cache.Snapshot()
	c.Check(snap.Cluster.Epoch, gc.Equals, int64(2))
}

func (s *cacheSuite) TestUpdateRejectsStaleTenantEpoch(c *gc.C) {
	c.Assert(s.cache.Update("shared-db:0", tenantPayload("keystone", 3)), jc.ErrorIsNil)

	err := s.cache.Update("shared-db:0", tenantPayload("nova", 3))
	c.Check(err, jc.ErrorIs, relation.ErrStaleEpoch)

	snap := s.cache.Snapshot()
	c.Assert(snap.Tenants, gc.HasLen, 1)
	c.Check(snap.Tenants[0].Database, gc.Equals, "keystone")
}

func (s *cacheSuite) TestUpdateMalformedLeavesStateAlone(c *gc.C) {
	c.Assert(s.cache.Update("shared-db:0", tenantPayload("keystone", 1)), jc.ErrorIsNil)

	err := s.cache.Update("shared-db:0", map[string]interface{}{"epoch": 2})
	c.Check(err, gc.NotNil)

	snap := s.cache.Snapshot()
	c.Assert(snap.Tenants, gc.HasLen, 1)
	c.Check(snap.Tenants[0].Epoch, gc.Equals, int64(1))
}

func (s *cacheSuite) TestUpdateUnknownRelation(c *gc.C) {
	err := s.cache.Update("identity-service:0", nil)
	c.Check(err, gc.ErrorMatches, `relation source "identity-service:0" not valid`)
}

func (s *cacheSuite) TestSnapshotTenantArrivalOrder(c *gc.C) {
	c.Assert(s.cache.Update("shared-db:2", tenantPayload("keystone", 1)), jc.ErrorIsNil)
	c.Assert(s.cache.Update("shared-db:0", tenantPayload("glance", 1)), jc.ErrorIsNil)
	c.Assert(s.cache.Update("shared-db:1", tenantPayload("nova", 1)), jc.ErrorIsNil)

	// A later payload from an existing tenant keeps its original
	// arrival position.
	c.Assert(s.cache.Update("shared-db:2", tenantPayload("keystone", 2)), jc.ErrorIsNil)

	snap := s.cache.Snapshot()
	var databases []string
	for _, req := range snap.Tenants {
		databases = append(databases, req.Database)
	}
	c.Check(databases, jc.DeepEquals, []string{"keystone", "glance", "nova"})
}

func (s *cacheSuite) TestSnapshotIsACopy(c *gc.C) {
	c.Assert(s.cache.Update("db-router:0", clusterPayload(1)), jc.ErrorIsNil)

	snap := s.cache.Snapshot()
	snap.Cluster.Endpoints[0].Host = "mutated"
	snap.Cluster.Epoch = 99

	fresh := s.cache.Snapshot()
	c.Check(fresh.Cluster.Epoch, gc.Equals, int64(1))
	c.Check(fresh.Cluster.Endpoints[0].Host, gc.Equals, "10.0.0.1")
}

func (s *cacheSuite) TestRemoveTenant(c *gc.C) {
	c.Assert(s.cache.Update("shared-db:0", tenantPayload("keystone", 1)), jc.ErrorIsNil)

	c.Check(s.cache.Remove("shared-db:0"), jc.IsTrue)
	c.Check(s.cache.Snapshot().Tenants, gc.HasLen, 0)

	// Removing again is a no-op.
	c.Check(s.cache.Remove("shared-db:0"), jc.IsFalse)
}

func (s *cacheSuite) TestRemoveCluster(c *gc.C) {
	c.Assert(s.cache.Update("db-router:0", clusterPayload(1)), jc.ErrorIsNil)

	c.Check(s.cache.Remove("db-router:0"), jc.IsFalse)
	c.Check(s.cache.Snapshot().Cluster, gc.IsNil)

	// A fresh feed is accepted at any epoch after teardown.
	c.Assert(s.cache.Update("db-router:1", clusterPayload(1)), jc.ErrorIsNil)
	c.Check(s.cache.Snapshot().Cluster, gc.NotNil)
}

func (s *cacheSuite) TestTenantEpochsIndependent(c *gc.C) {
	c.Assert(s.cache.Update("shared-db:0", tenantPayload("keystone", 5)), jc.ErrorIsNil)
	c.Assert(s.cache.Update("shared-db:1", tenantPayload("glance", 1)), jc.ErrorIsNil)

	snap := s.cache.Snapshot()
	c.Check(snap.Tenants, gc.HasLen, 2)
	c.Check(snap.Tenants[0].Tenant, gc.Equals, corerelation.Source("shared-db:0"))
}
