// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package driver implements the bootstrap/reconfigure orchestrator: a
// state machine that compares each freshly resolved DesiredConfig
// against the last applied one and drives the external router through
// the cheapest sufficient transition. A cluster epoch change forces a
// full re-bootstrap; anything else is a config-only pass. All failures
// are converted into an observable status at this boundary; nothing is
// thrown past it, and the applied state is only ever swapped whole.
package driver

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/openstack/charm-mysql-router/core/routercfg"
	"github.com/openstack/charm-mysql-router/core/status"
	"github.com/openstack/charm-mysql-router/internal/credentials"
	"github.com/openstack/charm-mysql-router/internal/render"
)

var logger = loggo.GetLogger("mysqlrouter.driver")

// ErrBootstrap marks a bootstrap that exhausted its retry budget.
const ErrBootstrap = errors.ConstError("router bootstrap failed")

// State enumerates the driver's lifecycle states.
type State string

const (
	Uninitialized State = "uninitialized"
	Bootstrapping State = "bootstrapping"
	Ready         State = "ready"
	Reconfiguring State = "reconfiguring"
	Failed        State = "failed"
)

// ServiceControl is the slice of the supervisor the driver uses.
type ServiceControl interface {
	Start() error
	Stop() error
	Restart() error
	Running() (bool, error)
}

// CredentialGetter resolves credential references from a DesiredConfig
// into secrets.
type CredentialGetter interface {
	Get(owner string) (credentials.Credential, error)
}

// Config holds the driver's dependencies and knobs.
type Config struct {
	Service     ServiceControl
	Runner      CommandRunner
	Credentials CredentialGetter
	Clock       clock.Clock
	StateFile   *StateFile

	// ConfigPath is where the rendered artifact is written, and
	// WorkingDir where the router bootstraps its runtime state.
	ConfigPath string
	WorkingDir string

	RouterBinary string
	RouterUser   string

	// BootstrapAttempts bounds the bootstrap retry loop; delays grow
	// exponentially from BootstrapDelay to BootstrapMaxDelay.
	BootstrapAttempts int
	BootstrapDelay    time.Duration
	BootstrapMaxDelay time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Service == nil {
		return errors.NotValidf("nil Service")
	}
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.StateFile == nil {
		return errors.NotValidf("nil StateFile")
	}
	if c.ConfigPath == "" {
		return errors.NotValidf("empty ConfigPath")
	}
	if c.WorkingDir == "" {
		return errors.NotValidf("empty WorkingDir")
	}
	if c.RouterBinary == "" {
		return errors.NotValidf("empty RouterBinary")
	}
	if c.RouterUser == "" {
		return errors.NotValidf("empty RouterUser")
	}
	if c.BootstrapAttempts < 1 {
		return errors.NotValidf("%d bootstrap attempts", c.BootstrapAttempts)
	}
	if c.BootstrapDelay <= 0 || c.BootstrapMaxDelay < c.BootstrapDelay {
		return errors.NotValidf("bootstrap delays %s/%s", c.BootstrapDelay, c.BootstrapMaxDelay)
	}
	return nil
}

// Driver owns the applied configuration. It is mutated only from the
// reconcile loop; readers get copies through Status and Applied.
type Driver struct {
	cfg Config

	state   State
	applied *routercfg.AppliedConfig

	// artifact holds the bytes last written to ConfigPath, for
	// byte-diff change detection across passes.
	artifact []byte

	info status.Info
}

// New builds a driver, recovering the applied configuration persisted
// by a previous run so a process restart does not trigger a needless
// re-bootstrap.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Driver{
		cfg:   cfg,
		state: Uninitialized,
		info:  status.Info{Status: status.Waiting, Message: "MySQL Router not yet bootstrapped"},
	}
	applied, err := cfg.StateFile.Read()
	if err == nil {
		d.applied = applied
		d.state = Ready
		d.info = status.Info{Status: status.Active, Message: "Unit is ready"}
		if artifact, err := os.ReadFile(cfg.ConfigPath); err == nil {
			d.artifact = artifact
		}
		logger.Infof("recovered applied configuration at cluster epoch %d", applied.ClusterEpoch)
	} else if !errors.Is(err, ErrNoStateFile) {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// State returns the driver's lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// Status returns the operator-visible status.
func (d *Driver) Status() status.Info {
	return d.info
}

// Applied returns a copy of the applied configuration, or nil before
// the first successful apply.
func (d *Driver) Applied() *routercfg.AppliedConfig {
	if d.applied == nil {
		return nil
	}
	applied := *d.applied
	return &applied
}

// NotReady records that resolution produced no configuration. Nothing
// is applied and any previously applied configuration stays in force.
func (d *Driver) NotReady(reason string) {
	d.info = status.Info{Status: status.Waiting, Message: reason}
}

// Invalid records a resolution pass rejected by validation. The
// previous applied configuration remains in force; the condition is
// reported, not retried.
func (d *Driver) Invalid(err error) {
	logger.Errorf("derived configuration rejected: %v", err)
	d.info = status.Info{
		Status:  status.Blocked,
		Message: fmt.Sprintf("invalid configuration: %v", err),
	}
}

// Apply drives the service towards desired. It decides between a full
// re-bootstrap, a config-only pass, or nothing at all, and never
// returns an error past recording it: the outcome is observable
// through State and Status.
func (d *Driver) Apply(desired *routercfg.DesiredConfig) error {
	if err := desired.Validate(); err != nil {
		d.Invalid(err)
		return errors.Trace(err)
	}

	// A cluster identity change makes the bootstrapped state stale:
	// bootstrap credentials and cluster metadata are embedded at
	// bootstrap time and cannot be reloaded. Bootstrap also wins the
	// tie against any simultaneous grant change, being a superset of
	// the reconfigure path.
	if d.applied == nil || d.applied.ClusterEpoch != desired.ClusterEpoch {
		return errors.Trace(d.bootstrap(desired))
	}
	if d.applied.Config.Equal(desired) {
		d.state = Ready
		d.info = status.Info{Status: status.Active, Message: "Unit is ready"}
		return nil
	}
	return errors.Trace(d.reconfigure(desired))
}

func (d *Driver) bootstrap(desired *routercfg.DesiredConfig) error {
	d.state = Bootstrapping
	d.info = status.Info{Status: status.Maintenance, Message: "Bootstrapping MySQL Router"}

	cred, err := d.cfg.Credentials.Get(desired.BootstrapCredential)
	if err != nil {
		return d.failed(errors.Annotate(err, "fetching bootstrap credential"))
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return d.runBootstrap(desired, cred.Secret)
		},
		Attempts:    d.cfg.BootstrapAttempts,
		Delay:       d.cfg.BootstrapDelay,
		MaxDelay:    d.cfg.BootstrapMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.cfg.Clock,
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("bootstrap attempt %d failed: %v", attempt, err)
		},
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return d.failed(errors.Annotatef(ErrBootstrap, "%v", err))
	}

	if err := d.materialize(desired); err != nil {
		return d.failed(errors.Trace(err))
	}
	logger.Infof("bootstrapped against cluster epoch %d", desired.ClusterEpoch)
	return nil
}

func (d *Driver) reconfigure(desired *routercfg.DesiredConfig) error {
	d.state = Reconfiguring
	d.info = status.Info{Status: status.Maintenance, Message: "Applying router configuration"}

	if err := d.materialize(desired); err != nil {
		return d.failed(errors.Trace(err))
	}
	logger.Infof("reconfigured at cluster epoch %d", desired.ClusterEpoch)
	return nil
}

// materialize renders the artifact, writes it if its bytes changed,
// restarts the service when the artifact changed, and commits the
// applied state. The applied swap is all-or-nothing: persistence
// happens before the in-memory state is replaced.
func (d *Driver) materialize(desired *routercfg.DesiredConfig) error {
	artifact, err := render.Render(desired)
	if err != nil {
		// Render failures past validation are defensive and fatal.
		return errors.Trace(err)
	}

	changed := !bytes.Equal(artifact, d.artifact)
	if changed {
		if err := os.WriteFile(d.cfg.ConfigPath, artifact, 0o640); err != nil {
			return errors.Annotatef(err, "writing artifact %q", d.cfg.ConfigPath)
		}
		if err := d.cfg.Service.Restart(); err != nil {
			return errors.Trace(err)
		}
	}

	applied := &routercfg.AppliedConfig{
		ClusterEpoch: desired.ClusterEpoch,
		Config:       *desired,
	}
	if err := d.cfg.StateFile.Write(applied); err != nil {
		return errors.Trace(err)
	}
	d.applied = applied
	d.artifact = artifact
	d.state = Ready
	d.info = status.Info{Status: status.Active, Message: "Unit is ready"}
	return nil
}

func (d *Driver) failed(err error) error {
	d.state = Failed
	d.info = status.Info{Status: status.Blocked, Message: err.Error()}
	logger.Errorf("%v", err)
	return err
}
