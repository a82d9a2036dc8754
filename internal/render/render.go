// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package render serializes a DesiredConfig into the router's on-disk
// INI configuration. Rendering is deterministic: structurally equal
// configurations produce byte-identical artifacts, which the driver
// relies on for diff-based change detection.
package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/routercfg"
)

// ErrRender marks a defensive render-time validation failure. The
// resolver validates before the renderer ever sees a configuration, so
// hitting this is a bug, reported and never silently skipped.
const ErrRender = errors.ConstError("configuration invalid at render time")

// Render produces the router configuration artifact for cfg.
func Render(cfg *routercfg.DesiredConfig) ([]byte, error) {
	if cfg == nil {
		return nil, errors.Annotate(ErrRender, "nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotatef(ErrRender, "%v", err)
	}

	file := ini.Empty()
	if cfg.LimitMode == routercfg.GlobalLimit {
		def, err := file.NewSection(ini.DefaultSection)
		if err != nil {
			return nil, errors.Trace(err)
		}
		mustKey(def, string(routercfg.GlobalLimit),
			strconv.FormatInt(cfg.MaxConnections, 10))
	}

	meta, err := file.NewSection("metadata_cache:bootstrap")
	if err != nil {
		return nil, errors.Trace(err)
	}
	mustKey(meta, "ttl", formatSeconds(cfg.TTL))
	mustKey(meta, "auth_cache_refresh_interval", formatWholeSeconds(cfg.AuthCacheRefresh))
	mustKey(meta, "auth_cache_ttl", formatAuthCacheTTL(cfg.AuthCacheTTL))

	routes := []struct {
		name     string
		port     int
		role     corerelation.Role
		strategy string
	}{
		{"rw", cfg.Ports.RW, corerelation.RW, "first-available"},
		{"ro", cfg.Ports.RO, corerelation.RO, "round-robin-with-fallback"},
		{"rw_split", cfg.Ports.RWSplit, corerelation.RW, "first-available"},
		{"ro_split", cfg.Ports.ROSplit, corerelation.RO, "round-robin-with-fallback"},
	}
	for _, route := range routes {
		sec, err := file.NewSection("routing:" + route.name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		mustKey(sec, "bind_address", cfg.BindAddress)
		mustKey(sec, "bind_port", strconv.Itoa(route.port))
		mustKey(sec, "destinations", destinations(cfg.BootstrapEndpoints, route.role))
		mustKey(sec, "routing_strategy", route.strategy)
		if cfg.LimitMode == routercfg.PerRouteLimit {
			mustKey(sec, string(routercfg.PerRouteLimit),
				strconv.FormatInt(cfg.MaxConnections, 10))
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, errors.Annotate(err, "serializing router configuration")
	}
	return buf.Bytes(), nil
}

// mustKey adds a key to a fresh section. ini only errors on an empty
// key name, which never happens here.
func mustKey(sec *ini.Section, name, value string) {
	if _, err := sec.NewKey(name, value); err != nil {
		panic(fmt.Sprintf("adding %q to section %q: %v", name, sec.Name(), err))
	}
}

func destinations(endpoints []corerelation.Endpoint, role corerelation.Role) string {
	var hosts []string
	for _, ep := range endpoints {
		if ep.Role == role {
			hosts = append(hosts, fmt.Sprintf("%s:%d", ep.Host, ep.Port))
		}
	}
	if len(hosts) == 0 {
		// A feed with only RW members still routes RO traffic, to the
		// writers.
		for _, ep := range endpoints {
			hosts = append(hosts, fmt.Sprintf("%s:%d", ep.Host, ep.Port))
		}
	}
	return strings.Join(hosts, ",")
}

// formatSeconds renders a duration as float seconds at millisecond
// granularity, the way the router expects ttl.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func formatWholeSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

func formatAuthCacheTTL(d time.Duration) string {
	if d < 0 {
		return "-1"
	}
	return formatWholeSeconds(d)
}
