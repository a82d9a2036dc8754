// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package supervisor_test

import (
	"net"
	"time"

	sysdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/openstack/charm-mysql-router/internal/supervisor"
)

// stubDBusAPI fakes the systemd connection. Unit operations report the
// configured job status on the caller's channel and, when the job
// succeeds, flip the stubbed unit state the way systemd would.
type stubDBusAPI struct {
	testing.Stub

	units     []sysdbus.UnitStatus
	jobStatus string
}

func (a *stubDBusAPI) Close() {
	a.AddCall("Close")
}

func (a *stubDBusAPI) ListUnits() ([]sysdbus.UnitStatus, error) {
	a.AddCall("ListUnits")
	return a.units, a.NextErr()
}

func (a *stubDBusAPI) StartUnit(name, mode string, ch chan<- string) (int, error) {
	a.AddCall("StartUnit", name, mode)
	if err := a.NextErr(); err != nil {
		return 0, err
	}
	if a.jobStatus == "done" {
		a.units = []sysdbus.UnitStatus{{
			Name:        name,
			LoadState:   "loaded",
			ActiveState: "active",
		}}
	}
	ch <- a.jobStatus
	return 1, nil
}

func (a *stubDBusAPI) StopUnit(name, mode string, ch chan<- string) (int, error) {
	a.AddCall("StopUnit", name, mode)
	if err := a.NextErr(); err != nil {
		return 0, err
	}
	if a.jobStatus == "done" {
		a.units = nil
	}
	ch <- a.jobStatus
	return 1, nil
}

func (a *stubDBusAPI) setRunning(name string) {
	a.units = []sysdbus.UnitStatus{{
		Name:        name + ".service",
		LoadState:   "loaded",
		ActiveState: "active",
	}}
}

type supervisorSuite struct {
	testing.IsolationSuite
	api *stubDBusAPI
}

var _ = gc.Suite(&supervisorSuite{})

func (s *supervisorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.api = &stubDBusAPI{jobStatus: "done"}
}

func (s *supervisorSuite) supervisor(c *gc.C) *supervisor.Supervisor {
	sup, err := supervisor.New(supervisor.Config{
		ServiceName: "mysql-router",
		NewDBus:     func() (supervisor.DBusAPI, error) { return s.api, nil },
		Clock:       clock.WallClock,
		Attempts:    2,
		Delay:       time.Millisecond,
		DialTimeout: time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
	return sup
}

func (s *supervisorSuite) TestValidate(c *gc.C) {
	_, err := supervisor.New(supervisor.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *supervisorSuite) TestRunning(c *gc.C) {
	s.api.setRunning("mysql-router")
	sup := s.supervisor(c)

	running, err := sup.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsTrue)
	s.api.CheckCallNames(c, "ListUnits", "Close")
}

func (s *supervisorSuite) TestNotRunningWhenAbsent(c *gc.C) {
	sup := s.supervisor(c)

	running, err := sup.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsFalse)
}

func (s *supervisorSuite) TestNotRunningWhenInactive(c *gc.C) {
	s.api.units = []sysdbus.UnitStatus{{
		Name:        "mysql-router.service",
		LoadState:   "loaded",
		ActiveState: "inactive",
	}}
	sup := s.supervisor(c)

	running, err := sup.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsFalse)
}

func (s *supervisorSuite) TestStart(c *gc.C) {
	sup := s.supervisor(c)

	err := sup.Start()
	c.Assert(err, jc.ErrorIsNil)
	s.api.CheckCallNames(c, "ListUnits", "Close", "StartUnit", "Close")
	s.api.CheckCall(c, 2, "StartUnit", "mysql-router.service", "fail")
}

func (s *supervisorSuite) TestStartAlreadyRunning(c *gc.C) {
	s.api.setRunning("mysql-router")
	sup := s.supervisor(c)

	err := sup.Start()
	c.Assert(err, jc.ErrorIsNil)
	s.api.CheckCallNames(c, "ListUnits", "Close")
}

func (s *supervisorSuite) TestStop(c *gc.C) {
	s.api.setRunning("mysql-router")
	sup := s.supervisor(c)

	err := sup.Stop()
	c.Assert(err, jc.ErrorIsNil)
	s.api.CheckCallNames(c, "ListUnits", "Close", "StopUnit", "Close")
}

func (s *supervisorSuite) TestStopAlreadyStopped(c *gc.C) {
	sup := s.supervisor(c)

	err := sup.Stop()
	c.Assert(err, jc.ErrorIsNil)
	s.api.CheckCallNames(c, "ListUnits", "Close")
}

func (s *supervisorSuite) TestRestart(c *gc.C) {
	s.api.setRunning("mysql-router")
	sup := s.supervisor(c)

	err := sup.Restart()
	c.Assert(err, jc.ErrorIsNil)
	s.api.CheckCallNames(c,
		"ListUnits", "Close", "StopUnit", "Close",
		"ListUnits", "Close", "StartUnit", "Close",
	)
	s.api.CheckCall(c, 6, "StartUnit", "mysql-router.service", "fail")
}

func (s *supervisorSuite) TestStartFailedJob(c *gc.C) {
	s.api.jobStatus = "failed"
	sup := s.supervisor(c)

	err := sup.Start()
	c.Check(err, jc.ErrorIs, supervisor.ErrService)
	c.Check(err, gc.ErrorMatches, `.*job status "failed".*`)
}

func (s *supervisorSuite) TestStartRetriesTransientError(c *gc.C) {
	s.api.SetErrors(errors.New("dbus hiccup"))
	sup := s.supervisor(c)

	err := sup.Start()
	c.Assert(err, jc.ErrorIsNil)
	// First ListUnits fails, the retry succeeds and starts the unit.
	s.api.CheckCallNames(c, "ListUnits", "Close", "ListUnits", "Close", "StartUnit", "Close")
}

func (s *supervisorSuite) TestStartExhaustsAttempts(c *gc.C) {
	s.api.SetErrors(errors.New("dbus down"), errors.New("dbus down"))
	sup := s.supervisor(c)

	err := sup.Start()
	c.Check(err, jc.ErrorIs, supervisor.ErrService)
}

func (s *supervisorSuite) TestHealthcheck(c *gc.C) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	defer listener.Close()

	sup := s.supervisor(c)
	err = sup.Healthcheck(listener.Addr().String())
	c.Check(err, jc.ErrorIsNil)
}

func (s *supervisorSuite) TestHealthcheckRefused(c *gc.C) {
	dialErr := errors.New("connection refused")
	sup, err := supervisor.New(supervisor.Config{
		ServiceName: "mysql-router",
		NewDBus:     func() (supervisor.DBusAPI, error) { return s.api, nil },
		Clock:       clock.WallClock,
		Attempts:    2,
		Delay:       time.Millisecond,
		DialTimeout: time.Second,
		Dial: func(network, address string, timeout time.Duration) (net.Conn, error) {
			return nil, dialErr
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	err = sup.Healthcheck("127.0.0.1:3306")
	c.Check(err, jc.ErrorIs, supervisor.ErrService)
}
