// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package supervisor wraps control of the external router process as a
// systemd unit over D-Bus. Every operation is idempotent and retried
// with a bounded backoff: starting a running service and stopping a
// stopped one both succeed quietly.
package supervisor

import (
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("mysqlrouter.supervisor")

// ErrService marks a supervisor operation that failed after its retry
// budget. The driver converts it into a blocked status.
const ErrService = errors.ConstError("service operation failed")

// DBusAPI is the slice of the systemd D-Bus connection the supervisor
// uses, factored out for substitution in tests.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name string, mode string, ch chan<- string) (int, error)
	StopUnit(name string, mode string, ch chan<- string) (int, error)
}

// NewDBusAPI connects to the local systemd instance.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

// Config holds supervisor construction parameters.
type Config struct {
	// ServiceName is the systemd unit basename, without ".service".
	ServiceName string

	NewDBus func() (DBusAPI, error)
	Clock   clock.Clock

	// Attempts and Delay bound the retry loop around each operation.
	Attempts int
	Delay    time.Duration

	// DialTimeout bounds health-check connection attempts.
	DialTimeout time.Duration

	// Dial is substituted in tests; nil means net.DialTimeout.
	Dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Validate ensures the config values are valid.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.NotValidf("empty ServiceName")
	}
	if c.NewDBus == nil {
		return errors.NotValidf("nil NewDBus")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Attempts < 1 {
		return errors.NotValidf("%d attempts", c.Attempts)
	}
	if c.Delay <= 0 {
		return errors.NotValidf("retry delay %s", c.Delay)
	}
	if c.DialTimeout <= 0 {
		return errors.NotValidf("dial timeout %s", c.DialTimeout)
	}
	return nil
}

// Supervisor drives one systemd unit.
type Supervisor struct {
	cfg      Config
	unitName string
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New returns a supervisor for the configured service.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	dial := cfg.Dial
	if dial == nil {
		dial = net.DialTimeout
	}
	return &Supervisor{
		cfg:      cfg,
		unitName: cfg.ServiceName + ".service",
		dial:     dial,
	}, nil
}

// Running reports whether the unit is loaded and active.
func (s *Supervisor) Running() (bool, error) {
	conn, err := s.cfg.NewDBus()
	if err != nil {
		return false, errors.Annotate(err, "connecting to dbus")
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, errors.Annotatef(err, "querying units for %q", s.unitName)
	}
	for _, unit := range units {
		if unit.Name == s.unitName {
			return unit.LoadState == "loaded" && unit.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Start starts the unit, succeeding quietly when it is already
// running.
func (s *Supervisor) Start() error {
	err := s.retried("start", func() error {
		running, err := s.Running()
		if err != nil {
			return errors.Trace(err)
		}
		if running {
			logger.Debugf("service %q already running", s.cfg.ServiceName)
			return nil
		}
		return s.unitOp("start", DBusAPI.StartUnit)
	})
	return errors.Trace(err)
}

// Stop stops the unit, succeeding quietly when it is already stopped.
func (s *Supervisor) Stop() error {
	err := s.retried("stop", func() error {
		running, err := s.Running()
		if err != nil {
			return errors.Trace(err)
		}
		if !running {
			logger.Debugf("service %q not running", s.cfg.ServiceName)
			return nil
		}
		return s.unitOp("stop", DBusAPI.StopUnit)
	})
	return errors.Trace(err)
}

// Restart stops then starts the unit. The router does not guarantee a
// safe hot reload of bootstrap-time state, so a restart is never a
// signal-based in-place reload.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Start())
}

// Healthcheck probes the router's listener at address ("host:port"),
// bounded by the configured dial timeout.
func (s *Supervisor) Healthcheck(address string) error {
	err := s.retried("healthcheck", func() error {
		conn, err := s.dial("tcp", address, s.cfg.DialTimeout)
		if err != nil {
			return errors.Annotatef(err, "dialling %q", address)
		}
		return errors.Trace(conn.Close())
	})
	return errors.Trace(err)
}

func (s *Supervisor) unitOp(
	op string, call func(DBusAPI, string, string, chan<- string) (int, error),
) error {
	conn, err := s.cfg.NewDBus()
	if err != nil {
		return errors.Annotate(err, "connecting to dbus")
	}
	defer conn.Close()

	statusCh := make(chan string, 1)
	if _, err := call(conn, s.unitName, "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus %s request for %q", op, s.unitName)
	}
	if status := <-statusCh; status != "done" {
		return errors.Errorf("failed to %s %q (job status %q)", op, s.unitName, status)
	}
	logger.Debugf("service %q %s complete", s.cfg.ServiceName, op)
	return nil
}

func (s *Supervisor) retried(op string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:     f,
		Attempts: s.cfg.Attempts,
		Delay:    s.cfg.Delay,
		Clock:    s.cfg.Clock,
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s of %q attempt %d: %v", op, s.cfg.ServiceName, attempt, err)
		},
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return errors.Annotatef(ErrService, "%s of %q: %v", op, s.cfg.ServiceName, err)
	}
	return nil
}
