// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package driver

import (
	"fmt"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/routercfg"
)

// CommandRunner abstracts subprocess execution so bootstrap can be
// exercised in tests without a mysqlrouter binary.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

// NewTimeoutRunner returns the production CommandRunner: commands run
// to completion or are killed when the timeout elapses.
func NewTimeoutRunner(clk clock.Clock, timeout time.Duration) CommandRunner {
	return &timeoutRunner{clock: clk, timeout: timeout}
}

type timeoutRunner struct {
	clock   clock.Clock
	timeout time.Duration
}

func (r *timeoutRunner) RunCommands(params exec.RunParams) (*exec.ExecResponse, error) {
	params.Clock = r.clock
	if err := params.Run(); err != nil {
		return nil, errors.Trace(err)
	}
	cancel := make(chan struct{})
	timer := r.clock.AfterFunc(r.timeout, func() { close(cancel) })
	defer timer.Stop()
	response, err := params.WaitWithCancel(cancel)
	return response, errors.Trace(err)
}

// bootstrapCommand builds the router bootstrap invocation. The command
// binds the router to the cluster's current RW member and writes
// cluster metadata and credentials into the working directory; this
// state is not reloadable, which is why an epoch change forces a fresh
// bootstrap.
func (d *Driver) bootstrapCommand(cfg *routercfg.DesiredConfig, secret string) (string, error) {
	target, ok := rwEndpoint(cfg.BootstrapEndpoints)
	if !ok {
		return "", errors.NotValidf("bootstrap endpoints without a RW member")
	}
	args := []string{
		d.cfg.RouterBinary,
		"--user", d.cfg.RouterUser,
		"--bootstrap", fmt.Sprintf("%s:%s@%s:%d",
			cfg.BootstrapUsername, secret, target.Host, target.Port),
		"--directory", d.cfg.WorkingDir,
		"--conf-use-sockets",
		"--conf-bind-address", cfg.BindAddress,
		"--conf-base-port", strconv.Itoa(cfg.BasePort),
	}
	return shellquote.Join(args...), nil
}

func rwEndpoint(endpoints []corerelation.Endpoint) (corerelation.Endpoint, bool) {
	for _, ep := range endpoints {
		if ep.Role == corerelation.RW {
			return ep, true
		}
	}
	return corerelation.Endpoint{}, false
}

func (d *Driver) runBootstrap(cfg *routercfg.DesiredConfig, secret string) error {
	command, err := d.bootstrapCommand(cfg, secret)
	if err != nil {
		return errors.Trace(err)
	}
	response, err := d.cfg.Runner.RunCommands(exec.RunParams{
		Commands:   command,
		WorkingDir: d.cfg.WorkingDir,
	})
	if err != nil {
		return errors.Annotate(err, "executing router bootstrap")
	}
	if response.Code != 0 {
		logger.Errorf("router bootstrap failed (exit %d): %s",
			response.Code, response.Stderr)
		return errors.Errorf("router bootstrap exited %d", response.Code)
	}
	logger.Debugf("router bootstrap output: %s", response.Stdout)
	return nil
}
