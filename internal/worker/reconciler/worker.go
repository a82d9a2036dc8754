// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler runs the reconciliation engine as a single
// worker. Relation events and operator actions are serialized into one
// request queue; each reconcile pass (snapshot, resolve, diff, apply)
// runs to completion before the next request is taken, so there is
// never a concurrent bootstrap or a concurrent mutation of the applied
// configuration.
package reconciler

import (
	"fmt"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/routercfg"
	"github.com/openstack/charm-mysql-router/core/status"
	"github.com/openstack/charm-mysql-router/internal/credentials"
	"github.com/openstack/charm-mysql-router/internal/driver"
	"github.com/openstack/charm-mysql-router/internal/relation"
	"github.com/openstack/charm-mysql-router/internal/resolver"
)

var logger = loggo.GetLogger("mysqlrouter.reconciler")

// ErrStopped is returned for requests made against a stopped worker.
const ErrStopped = errors.ConstError("reconciler worker stopped")

// CredentialStore is the credential store surface the engine needs.
type CredentialStore interface {
	Issue(owner string) (credentials.Credential, error)
	Ensure(owner, secret string) (credentials.Credential, error)
	Get(owner string) (credentials.Credential, error)
	Revoke(owner string) error
}

// ConfigDriver is the bootstrap/reconfigure driver surface.
type ConfigDriver interface {
	Apply(desired *routercfg.DesiredConfig) error
	NotReady(reason string)
	Invalid(err error)
	State() driver.State
	Status() status.Info
	Applied() *routercfg.AppliedConfig
}

// ServiceOps is the supervisor surface: operator actions plus the
// health probe used for status assessment.
type ServiceOps interface {
	Start() error
	Stop() error
	Restart() error
	Healthcheck(address string) error
}

// TenantResponse is the outbound answer to one tenant request, ready
// to be published on its relation once the router is serving.
type TenantResponse struct {
	Tenant     corerelation.Source `json:"tenant" yaml:"tenant"`
	Database   string              `json:"database" yaml:"database"`
	Username   string              `json:"username" yaml:"username"`
	Password   string              `json:"password" yaml:"password"`
	RWEndpoint string              `json:"rw-endpoint" yaml:"rw-endpoint"`
	ROEndpoint string              `json:"ro-endpoint" yaml:"ro-endpoint"`
}

// Config holds the worker's dependencies.
type Config struct {
	Cache       *relation.Cache
	Credentials CredentialStore
	Driver      ConfigDriver
	Service     ServiceOps
	Resolver    resolver.Params
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Cache == nil {
		return errors.NotValidf("nil Cache")
	}
	if c.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if c.Driver == nil {
		return errors.NotValidf("nil Driver")
	}
	if c.Service == nil {
		return errors.NotValidf("nil Service")
	}
	return errors.Trace(c.Resolver.Validate())
}

type requestKind int

const (
	updateRequest requestKind = iota
	removeRequest
	actionRequest
	statusRequest
	tenantsRequest
)

type request struct {
	kind    requestKind
	source  corerelation.Source
	payload map[string]interface{}
	action  string
	reply   chan response
}

type response struct {
	err     error
	info    status.Info
	tenants []TenantResponse
}

// Worker is the reconciliation engine worker.
type Worker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	requests chan request

	// pendingRevocations tracks credentials whose store-side revoke
	// has happened but whose removal from the applied grant list has
	// not yet been observed. Only once a pass completes in Ready with
	// the grant absent is the revocation considered enforced.
	pendingRevocations set.Strings

	lastResolution resolver.Resolution
	info           status.Info
}

// NewWorker starts the reconciliation engine.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg:                cfg,
		requests:           make(chan request),
		pendingRevocations: set.NewStrings(),
		info:               status.Info{Status: status.Waiting, Message: "waiting for cluster relation"},
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// UpdateRelation feeds a raw relation payload into the engine and runs
// a reconcile pass. Stale or malformed payloads are rejected without
// disturbing stored state.
func (w *Worker) UpdateRelation(source corerelation.Source, payload map[string]interface{}) error {
	resp := w.do(request{kind: updateRequest, source: source, payload: payload})
	return errors.Trace(resp.err)
}

// RemoveRelation handles relation teardown: the source's state is
// dropped, a departing tenant's credential is revoked, and a pass runs
// to reconfigure the router without it.
func (w *Worker) RemoveRelation(source corerelation.Source) error {
	resp := w.do(request{kind: removeRequest, source: source})
	return errors.Trace(resp.err)
}

// RunAction runs a synchronous operator action: "start", "stop" or
// "restart". Actions map directly onto the supervisor and do not alter
// the desired configuration.
func (w *Worker) RunAction(action string) error {
	resp := w.do(request{kind: actionRequest, action: action})
	return errors.Trace(resp.err)
}

// Status reports the current operator-visible status.
func (w *Worker) Status() (status.Info, error) {
	resp := w.do(request{kind: statusRequest})
	return resp.info, errors.Trace(resp.err)
}

// Tenants returns the outbound responses for every granted tenant.
// Empty until the router is ready.
func (w *Worker) Tenants() ([]TenantResponse, error) {
	resp := w.do(request{kind: tenantsRequest})
	return resp.tenants, errors.Trace(resp.err)
}

func (w *Worker) do(req request) response {
	req.reply = make(chan response, 1)
	select {
	case w.requests <- req:
	case <-w.catacomb.Dying():
		return response{err: ErrStopped}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-w.catacomb.Dying():
		return response{err: ErrStopped}
	}
}

func (w *Worker) loop() error {
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case req := <-w.requests:
			req.reply <- w.handle(req)
		}
	}
}

func (w *Worker) handle(req request) response {
	switch req.kind {
	case updateRequest:
		if err := w.cfg.Cache.Update(req.source, req.payload); err != nil {
			if errors.Is(err, relation.ErrStaleEpoch) {
				// Out-of-order delivery; drop it, keep the state.
				logger.Warningf("ignoring stale payload from %q: %v", req.source, err)
				return response{}
			}
			return response{err: errors.Trace(err)}
		}
		w.reconcile()
		return response{}

	case removeRequest:
		if tenantRemoved := w.cfg.Cache.Remove(req.source); tenantRemoved {
			// Store-side revocation marks intent; enforcement is
			// observed after a pass applies a grant list without it.
			if err := w.cfg.Credentials.Revoke(req.source.String()); err != nil {
				return response{err: errors.Trace(err)}
			}
			w.pendingRevocations.Add(req.source.String())
		}
		w.reconcile()
		return response{}

	case actionRequest:
		if err := w.runAction(req.action); err != nil {
			return response{err: errors.Trace(err)}
		}
		return response{}

	case statusRequest:
		return response{info: w.info}

	case tenantsRequest:
		tenants, err := w.tenantResponses()
		return response{tenants: tenants, err: errors.Trace(err)}

	default:
		return response{err: errors.Errorf("unknown request kind %d", req.kind)}
	}
}

// reconcile runs one full pass: snapshot, resolve, apply, assess.
// Every failure mode ends up as an observable status; nothing escapes.
func (w *Worker) reconcile() {
	snap := w.cfg.Cache.Snapshot()
	resolution, err := resolver.Resolve(snap, w.cfg.Credentials, w.cfg.Resolver)
	if err != nil {
		if resolver.IsNotReady(err) {
			w.cfg.Driver.NotReady(err.Error())
		} else {
			w.cfg.Driver.Invalid(err)
		}
		w.info = w.cfg.Driver.Status()
		return
	}
	w.lastResolution = resolution

	if err := w.cfg.Driver.Apply(resolution.Config); err != nil {
		// Already reflected in driver status; just surface it.
		logger.Errorf("apply failed: %v", err)
		w.info = w.cfg.Driver.Status()
		return
	}
	w.observeRevocations()
	w.assess()
}

// assess mirrors the charm's status assessment: a ready driver is only
// reported active if the router actually accepts connections.
func (w *Worker) assess() {
	info := w.cfg.Driver.Status()
	if w.cfg.Driver.State() == driver.Ready {
		applied := w.cfg.Driver.Applied()
		address := fmt.Sprintf("%s:%d", applied.Config.BindAddress, applied.Config.Ports.RW)
		if err := w.cfg.Service.Healthcheck(address); err != nil {
			logger.Warningf("health check against %q failed: %v", address, err)
			info = status.Info{Status: status.Blocked, Message: "Failed to connect to MySQL"}
		}
	}
	w.info = info
}

// observeRevocations retires revocation intents whose credentials are
// no longer in the applied grant list.
func (w *Worker) observeRevocations() {
	if w.cfg.Driver.State() != driver.Ready {
		return
	}
	applied := w.cfg.Driver.Applied()
	if applied == nil {
		return
	}
	live := set.NewStrings()
	for _, grant := range applied.Config.Grants {
		live.Add(grant.CredentialOwner)
	}
	for _, owner := range w.pendingRevocations.Values() {
		if !live.Contains(owner) {
			logger.Infof("credential revocation for %q enforced", owner)
			w.pendingRevocations.Remove(owner)
		}
	}
}

func (w *Worker) runAction(action string) error {
	logger.Infof("running operator action %q", action)
	switch action {
	case "start":
		return errors.Trace(w.cfg.Service.Start())
	case "stop":
		return errors.Trace(w.cfg.Service.Stop())
	case "restart":
		return errors.Trace(w.cfg.Service.Restart())
	default:
		return errors.NotValidf("action %q", action)
	}
}

func (w *Worker) tenantResponses() ([]TenantResponse, error) {
	applied := w.cfg.Driver.Applied()
	if applied == nil || w.cfg.Driver.State() != driver.Ready {
		return nil, nil
	}
	var responses []TenantResponse
	for _, grant := range applied.Config.Grants {
		cred, err := w.cfg.Credentials.Get(grant.CredentialOwner)
		if err != nil {
			return nil, errors.Annotatef(err, "credential for tenant %q", grant.Tenant)
		}
		responses = append(responses, TenantResponse{
			Tenant:     grant.Tenant,
			Database:   grant.Database,
			Username:   grant.Username,
			Password:   cred.Secret,
			RWEndpoint: fmt.Sprintf("%s:%d", applied.Config.BindAddress, applied.Config.Ports.RW),
			ROEndpoint: fmt.Sprintf("%s:%d", applied.Config.BindAddress, applied.Config.Ports.RO),
		})
	}
	return responses, nil
}
