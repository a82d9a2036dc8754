// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resolver_test

import (
	"fmt"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/routercfg"
	"github.com/openstack/charm-mysql-router/internal/credentials"
	"github.com/openstack/charm-mysql-router/internal/relation"
	"github.com/openstack/charm-mysql-router/internal/resolver"
)

// memorySource is an in-memory CredentialSource recording issuance
// order.
type memorySource struct {
	issued  map[string]credentials.Credential
	ensured map[string]string
	calls   []string
}

func newMemorySource() *memorySource {
	return &memorySource{
		issued:  make(map[string]credentials.Credential),
		ensured: make(map[string]string),
	}
}

func (m *memorySource) Issue(owner string) (credentials.Credential, error) {
	m.calls = append(m.calls, "issue "+owner)
	if cred, ok := m.issued[owner]; ok {
		return cred, nil
	}
	cred := credentials.Credential{
		Owner:  owner,
		Secret: fmt.Sprintf("secret-%d", len(m.issued)),
	}
	m.issued[owner] = cred
	return cred, nil
}

func (m *memorySource) Ensure(owner, secret string) (credentials.Credential, error) {
	m.calls = append(m.calls, "ensure "+owner)
	m.ensured[owner] = secret
	return credentials.Credential{Owner: owner, Secret: secret}, nil
}

type resolverSuite struct {
	testing.IsolationSuite
	creds *memorySource
	cache *relation.Cache
}

var _ = gc.Suite(&resolverSuite{})

func (s *resolverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.creds = newMemorySource()
	s.cache = relation.NewCache()
}

func (s *resolverSuite) params() resolver.Params {
	return resolver.Params{
		BindAddress:      "127.0.0.1",
		BasePort:         3306,
		TTL:              500 * time.Millisecond,
		AuthCacheRefresh: 2 * time.Second,
		AuthCacheTTL:     -time.Second,
		MaxConnections:   1024,
		TargetVersion:    version.MustParse("8.0.35"),
	}
}

func (s *resolverSuite) addCluster(c *gc.C, epoch int) {
	err := s.cache.Update("db-router:0", map[string]interface{}{
		"epoch":    epoch,
		"username": "mysqlrouteruser",
		"password": "cluster-pass",
		"endpoints": []interface{}{
			map[string]interface{}{"host": "10.0.0.1", "port": 3306, "role": "rw"},
			map[string]interface{}{"host": "10.0.0.2", "port": 3306, "role": "ro"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *resolverSuite) addTenant(c *gc.C, source, database string) {
	err := s.cache.Update(corerelation.Source(source), map[string]interface{}{
		"database": database,
		"username": database,
		"epoch":    1,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *resolverSuite) TestNotReadyWithoutCluster(c *gc.C) {
	_, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Check(err, jc.ErrorIs, resolver.ErrNotReady)
	c.Check(resolver.IsNotReady(err), jc.IsTrue)
}

func (s *resolverSuite) TestNotReadyWithoutEndpoints(c *gc.C) {
	err := s.cache.Update("db-router:0", map[string]interface{}{
		"epoch":    1,
		"username": "mysqlrouteruser",
		"password": "cluster-pass",
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Check(err, jc.ErrorIs, resolver.ErrNotReady)
}

func (s *resolverSuite) TestResolveNoTenants(c *gc.C) {
	s.addCluster(c, 1)
	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(res.Config, gc.NotNil)
	c.Check(res.Config.ClusterEpoch, gc.Equals, int64(1))
	c.Check(res.Config.Grants, gc.HasLen, 0)
	c.Check(res.Pending, gc.HasLen, 0)
	c.Check(res.Config.Ports, jc.DeepEquals, routercfg.PortSet{
		RW: 3306, RO: 3307, RWSplit: 3308, ROSplit: 3309,
	})
	c.Check(res.Config.BootstrapCredential, gc.Equals, credentials.ClusterOwner)
	// The cluster bootstrap secret was recorded in the store.
	c.Check(s.creds.ensured[credentials.ClusterOwner], gc.Equals, "cluster-pass")
}

func (s *resolverSuite) TestResolveGrantsTenant(c *gc.C) {
	s.addCluster(c, 1)
	s.addTenant(c, "shared-db:0", "keystone")

	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(res.Config.Grants, gc.HasLen, 1)
	c.Check(res.Config.Grants[0], jc.DeepEquals, routercfg.TenantGrant{
		Tenant:          "shared-db:0",
		Database:        "keystone",
		Username:        "keystone",
		CredentialOwner: "shared-db:0",
	})
}

func (s *resolverSuite) TestCredentialIssuanceIdempotent(c *gc.C) {
	s.addCluster(c, 1)
	s.addTenant(c, "shared-db:0", "keystone")

	first, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)
	second, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second.Config.Equal(first.Config), jc.IsTrue)
	c.Check(s.creds.issued["shared-db:0"].Secret, gc.Equals, "secret-0")
}

func (s *resolverSuite) TestDatabaseCollisionFirstClaimantWins(c *gc.C) {
	s.addCluster(c, 1)
	s.addTenant(c, "shared-db:1", "shared")
	s.addTenant(c, "shared-db:0", "shared")
	s.addTenant(c, "shared-db:2", "glance")

	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)

	// shared-db:1 arrived first and wins; shared-db:0 is pending but
	// does not block shared-db:2.
	c.Assert(res.Config.Grants, gc.HasLen, 2)
	c.Check(res.Config.Grants[0].Tenant, gc.Equals, corerelation.Source("shared-db:1"))
	c.Check(res.Config.Grants[0].Database, gc.Equals, "shared")
	c.Check(res.Config.Grants[1].Tenant, gc.Equals, corerelation.Source("shared-db:2"))
	c.Check(res.Pending, jc.DeepEquals, map[corerelation.Source]string{
		"shared-db:0": `database "shared" already claimed by "shared-db:1"`,
	})
}

func (s *resolverSuite) TestVersionSelectsLimitKnob(c *gc.C) {
	s.addCluster(c, 1)

	p := s.params()
	p.TargetVersion = version.MustParse("8.0.28")
	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Config.LimitMode, gc.Equals, routercfg.PerRouteLimit)

	p.TargetVersion = version.MustParse("8.0.35")
	res, err = resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Config.LimitMode, gc.Equals, routercfg.GlobalLimit)
}

func (s *resolverSuite) TestParamsValidation(c *gc.C) {
	s.addCluster(c, 1)

	p := s.params()
	p.AuthCacheTTL = 2 * time.Second
	p.AuthCacheRefresh = 3 * time.Second
	_, err := resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Check(err, gc.ErrorMatches, ".*refresh interval.*not below auth cache ttl.*")

	p = s.params()
	p.MaxConnections = 0
	_, err = resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Check(err, gc.ErrorMatches, ".*max_total_connections 0 outside.*")

	p = s.params()
	p.TargetVersion = version.MustParse("8.0.28")
	p.MaxConnections = 100000
	_, err = resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Check(err, gc.ErrorMatches, ".*max_connections 100000 outside.*")
}

func (s *resolverSuite) TestGrantsSortedByTenant(c *gc.C) {
	s.addCluster(c, 1)
	s.addTenant(c, "shared-db:2", "nova")
	s.addTenant(c, "shared-db:0", "keystone")
	s.addTenant(c, "shared-db:1", "glance")

	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, s.params())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(res.Config.Grants, gc.HasLen, 3)
	c.Check(res.Config.Grants[0].Tenant, gc.Equals, corerelation.Source("shared-db:0"))
	c.Check(res.Config.Grants[1].Tenant, gc.Equals, corerelation.Source("shared-db:1"))
	c.Check(res.Config.Grants[2].Tenant, gc.Equals, corerelation.Source("shared-db:2"))
}

func (s *resolverSuite) TestTTLTruncatedToMillisecond(c *gc.C) {
	s.addCluster(c, 1)
	p := s.params()
	p.TTL = 500*time.Millisecond + 600*time.Microsecond

	res, err := resolver.Resolve(s.cache.Snapshot(), s.creds, p)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Config.TTL, gc.Equals, 500*time.Millisecond)
}
