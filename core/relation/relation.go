// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation defines the typed forms of the data exchanged over
// the charm's relations. Raw relation payloads arrive as loosely-typed
// key/value maps; they are coerced into ClusterFeed and TenantRequest
// values at this boundary so that nothing permissive leaks further in.
package relation

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/schema"
)

// DBRouterRelation is the relation carrying cluster membership and
// bootstrap credentials from the InnoDB cluster control plane.
const DBRouterRelation = "db-router"

// SharedDBRelation is the relation over which application tenants
// request a database and credential pair.
const SharedDBRelation = "shared-db"

// Source identifies a single relation instance, in the juju style of
// "<relation-name>:<id>", e.g. "db-router:0" or "shared-db:3".
type Source string

// Relation returns the relation name portion of the source.
func (s Source) Relation() string {
	name, _, _ := strings.Cut(string(s), ":")
	return name
}

// String is the raw source identity.
func (s Source) String() string {
	return string(s)
}

// Role tags a cluster endpoint as serving read-write or read-only
// traffic.
type Role string

const (
	RW Role = "rw"
	RO Role = "ro"
)

// Endpoint is a single cluster member address.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Role Role   `yaml:"role"`
}

// ClusterFeed is the typed form of the db-router relation payload: the
// cluster endpoints to bootstrap against, the bootstrap credentials,
// and the cluster epoch used to detect stale or re-bootstrapped
// clusters.
type ClusterFeed struct {
	Epoch     int64      `yaml:"epoch"`
	Username  string     `yaml:"username"`
	Password  string     `yaml:"password"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

// RWEndpoint returns the first read-write endpoint, used as the
// bootstrap target. The second return is false if the feed has none.
func (f ClusterFeed) RWEndpoint() (Endpoint, bool) {
	for _, ep := range f.Endpoints {
		if ep.Role == RW {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// TenantRequest is the typed form of a shared-db relation payload: one
// application tenant asking for a database and credential pair.
type TenantRequest struct {
	Tenant   Source `yaml:"tenant"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Epoch    int64  `yaml:"epoch"`
}

var clusterChecker = schema.FieldMap(
	schema.Fields{
		"epoch":    schema.ForceInt(),
		"username": schema.String(),
		"password": schema.String(),
		"endpoints": schema.List(schema.FieldMap(schema.Fields{
			"host": schema.String(),
			"port": schema.ForceInt(),
			"role": schema.String(),
		}, nil)),
	},
	schema.Defaults{
		"endpoints": schema.Omit,
	},
)

// ParseClusterFeed coerces a raw db-router payload into a ClusterFeed.
// Malformed payloads are rejected rather than partially accepted.
func ParseClusterFeed(payload map[string]interface{}) (ClusterFeed, error) {
	coerced, err := clusterChecker.Coerce(payload, nil)
	if err != nil {
		return ClusterFeed{}, errors.Annotate(err, "invalid cluster feed")
	}
	attrs := coerced.(map[string]interface{})

	feed := ClusterFeed{
		Epoch:    int64(attrs["epoch"].(int)),
		Username: attrs["username"].(string),
		Password: attrs["password"].(string),
	}
	if raw, ok := attrs["endpoints"]; ok {
		for _, item := range raw.([]interface{}) {
			fields := item.(map[string]interface{})
			ep := Endpoint{
				Host: fields["host"].(string),
				Port: fields["port"].(int),
				Role: Role(fields["role"].(string)),
			}
			if ep.Role != RW && ep.Role != RO {
				return ClusterFeed{}, errors.NotValidf("endpoint role %q", ep.Role)
			}
			if ep.Port < 1 || ep.Port > 65535 {
				return ClusterFeed{}, errors.NotValidf("endpoint port %d", ep.Port)
			}
			feed.Endpoints = append(feed.Endpoints, ep)
		}
	}
	if feed.Epoch < 0 {
		return ClusterFeed{}, errors.NotValidf("negative cluster epoch %d", feed.Epoch)
	}
	return feed, nil
}

var tenantChecker = schema.FieldMap(
	schema.Fields{
		"database": schema.String(),
		"username": schema.String(),
		"epoch":    schema.ForceInt(),
	},
	nil,
)

// ParseTenantRequest coerces a raw shared-db payload into a
// TenantRequest attributed to the given source.
func ParseTenantRequest(source Source, payload map[string]interface{}) (TenantRequest, error) {
	coerced, err := tenantChecker.Coerce(payload, nil)
	if err != nil {
		return TenantRequest{}, errors.Annotatef(err, "invalid tenant request from %q", source)
	}
	attrs := coerced.(map[string]interface{})

	req := TenantRequest{
		Tenant:   source,
		Database: attrs["database"].(string),
		Username: attrs["username"].(string),
		Epoch:    int64(attrs["epoch"].(int)),
	}
	if req.Database == "" {
		return TenantRequest{}, errors.NotValidf("empty database name from %q", source)
	}
	if req.Username == "" {
		return TenantRequest{}, errors.NotValidf("empty username from %q", source)
	}
	if req.Epoch < 0 {
		return TenantRequest{}, errors.NotValidf("negative relation epoch %d", req.Epoch)
	}
	return req, nil
}
