// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// mysqlrouterd is the reconciliation agent supervising a MySQL Router
// instance. Relation payloads and operator actions arrive over a local
// control socket; the agent keeps the router bootstrapped, configured
// and running as the cluster topology and tenant population change.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/version/v2"
	"github.com/juju/worker/v4"

	"github.com/openstack/charm-mysql-router/core/routercfg"
	"github.com/openstack/charm-mysql-router/internal/credentials"
	"github.com/openstack/charm-mysql-router/internal/driver"
	"github.com/openstack/charm-mysql-router/internal/relation"
	"github.com/openstack/charm-mysql-router/internal/resolver"
	"github.com/openstack/charm-mysql-router/internal/supervisor"
	"github.com/openstack/charm-mysql-router/internal/worker/controlsocket"
	"github.com/openstack/charm-mysql-router/internal/worker/reconciler"
)

var logger = loggo.GetLogger("mysqlrouter")

const (
	defaultRouterBinary = "/usr/bin/mysqlrouter"
	defaultRouterUser   = "mysql"
	defaultRouterHome   = "/var/lib/mysql"

	bootstrapAttempts = 5
	bootstrapDelay    = 5 * time.Second
	bootstrapMaxDelay = 80 * time.Second
	bootstrapTimeout  = 2 * time.Minute

	serviceAttempts = 3
	serviceDelay    = 2 * time.Second

	// mysqlConnectTimeout bounds the health probe against the local
	// router listener.
	mysqlConnectTimeout = 30 * time.Second
)

func main() {
	os.Exit(Main(os.Args))
}

// Main parses flags, assembles the engine and runs it until signalled.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs(args[0], gnuflag.ContinueOnError, "option")
	serviceName := f.String("service-name", "mysql-router", "systemd unit supervising the router")
	dataDir := f.String("data-dir", "/var/lib/charm/mysql-router", "directory for agent state")
	routerHome := f.String("router-home", defaultRouterHome, "router home directory")
	routerBinary := f.String("router-binary", defaultRouterBinary, "path to the mysqlrouter binary")
	socketName := f.String("socket", "", "control socket path (default <data-dir>/control.socket)")
	bindAddress := f.String("bind-address", "127.0.0.1", "address the router listens on")
	basePort := f.Int("base-port", routercfg.DefaultBasePort, "first of the four router ports")
	ttl := f.Float64("ttl", routercfg.DefaultTTL.Seconds(), "metadata cache ttl in seconds, 0 polls continuously")
	authCacheRefresh := f.Int("auth-cache-refresh-interval", int(routercfg.DefaultAuthCacheRefresh/time.Second), "auth cache refresh interval in seconds")
	authCacheTTL := f.Int("auth-cache-ttl", -1, "auth cache ttl in seconds, -1 for infinite")
	maxConnections := f.Int64("max-connections", routercfg.DefaultMaxConnections, "router connection cap")
	targetVersion := f.String("target-version", "8.0.35", "target router version")
	logConfig := f.String("log-config", "<root>=INFO", "loggo configuration string")

	if err := f.Parse(true, args[1:]); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := run(agentParams{
		serviceName:      *serviceName,
		dataDir:          *dataDir,
		routerHome:       *routerHome,
		routerBinary:     *routerBinary,
		socketName:       *socketName,
		bindAddress:      *bindAddress,
		basePort:         *basePort,
		ttl:              *ttl,
		authCacheRefresh: *authCacheRefresh,
		authCacheTTL:     *authCacheTTL,
		maxConnections:   *maxConnections,
		targetVersion:    *targetVersion,
	}); err != nil {
		logger.Errorf("agent exited: %v", err)
		return 1
	}
	return 0
}

type agentParams struct {
	serviceName      string
	dataDir          string
	routerHome       string
	routerBinary     string
	socketName       string
	bindAddress      string
	basePort         int
	ttl              float64
	authCacheRefresh int
	authCacheTTL     int
	maxConnections   int64
	targetVersion    string
}

func run(p agentParams) error {
	target, err := version.Parse(p.targetVersion)
	if err != nil {
		return errors.Annotatef(err, "parsing target version %q", p.targetVersion)
	}
	if err := os.MkdirAll(p.dataDir, 0o750); err != nil {
		return errors.Trace(err)
	}
	workingDir, confPath := routerPaths(p.routerHome)
	if err := os.MkdirAll(workingDir, 0o750); err != nil {
		return errors.Trace(err)
	}
	socket := p.socketName
	if socket == "" {
		socket = filepath.Join(p.dataDir, "control.socket")
	}

	store, err := credentials.NewStore(
		filepath.Join(p.dataDir, "credentials.yaml"), clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}

	svc, err := supervisor.New(supervisor.Config{
		ServiceName: p.serviceName,
		NewDBus:     supervisor.NewDBusAPI,
		Clock:       clock.WallClock,
		Attempts:    serviceAttempts,
		Delay:       serviceDelay,
		DialTimeout: mysqlConnectTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}

	drv, err := driver.New(driver.Config{
		Service:           svc,
		Runner:            driver.NewTimeoutRunner(clock.WallClock, bootstrapTimeout),
		Credentials:       store,
		Clock:             clock.WallClock,
		StateFile:         driver.NewStateFile(filepath.Join(p.dataDir, "applied.yaml")),
		ConfigPath:        confPath,
		WorkingDir:        workingDir,
		RouterBinary:      p.routerBinary,
		RouterUser:        defaultRouterUser,
		BootstrapAttempts: bootstrapAttempts,
		BootstrapDelay:    bootstrapDelay,
		BootstrapMaxDelay: bootstrapMaxDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}

	engine, err := reconciler.NewWorker(reconciler.Config{
		Cache:       relation.NewCache(),
		Credentials: store,
		Driver:      drv,
		Service:     svc,
		Resolver: resolver.Params{
			BindAddress:      p.bindAddress,
			BasePort:         p.basePort,
			TTL:              routercfg.TTLFromSeconds(p.ttl),
			AuthCacheRefresh: time.Duration(p.authCacheRefresh) * time.Second,
			AuthCacheTTL:     time.Duration(p.authCacheTTL) * time.Second,
			MaxConnections:   p.maxConnections,
			TargetVersion:    target,
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	socketWorker, err := controlsocket.NewWorker(controlsocket.Config{
		Engine:     engine,
		SocketName: socket,
	})
	if err != nil {
		engine.Kill()
		_ = engine.Wait()
		return errors.Trace(err)
	}

	return errors.Trace(await(engine, socketWorker))
}

// routerPaths derives the bootstrap directory and the rendered config
// path from the router home. Both hang off the same directory: the
// config the driver renders must be the one the bootstrapped router
// reads.
func routerPaths(routerHome string) (workingDir, configPath string) {
	workingDir = filepath.Join(routerHome, "mysqlrouter")
	configPath = filepath.Join(workingDir, "mysqlrouter.conf")
	return workingDir, configPath
}

// await blocks until a termination signal arrives or any worker dies,
// then tears everything down.
func await(workers ...worker.Worker) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	died := make(chan error, len(workers))
	for _, w := range workers {
		w := w
		go func() {
			died <- w.Wait()
		}()
	}

	var firstErr error
	remaining := len(workers)
	select {
	case sig := <-signals:
		logger.Infof("received %v, shutting down", sig)
	case firstErr = <-died:
		remaining--
	}
	for _, w := range workers {
		w.Kill()
	}
	for ; remaining > 0; remaining-- {
		if err := <-died; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
