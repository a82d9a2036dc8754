// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controlsocket exposes the engine over HTTP on an abstract
// unix socket: hook scripts post relation payloads here, and operators
// drive the service lifecycle and read status through it. The socket
// is local-only; there is no authentication beyond filesystem
// permissions.
package controlsocket

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	corerelation "github.com/openstack/charm-mysql-router/core/relation"
	"github.com/openstack/charm-mysql-router/core/status"
	"github.com/openstack/charm-mysql-router/internal/worker/reconciler"
)

var logger = loggo.GetLogger("mysqlrouter.controlsocket")

// Engine is the reconciliation engine surface served over the socket.
type Engine interface {
	UpdateRelation(source corerelation.Source, payload map[string]interface{}) error
	RemoveRelation(source corerelation.Source) error
	RunAction(action string) error
	Status() (status.Info, error)
	Tenants() ([]reconciler.TenantResponse, error)
}

// Config holds the worker's dependencies.
type Config struct {
	Engine     Engine
	SocketName string
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.SocketName == "" {
		return errors.NotValidf("empty SocketName")
	}
	return nil
}

// Worker serves the control socket until killed.
type Worker struct {
	tomb     tomb.Tomb
	cfg      Config
	listener net.Listener
}

// NewWorker starts the control socket worker. The socket is bound
// before this returns, so callers may connect immediately.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("unix", cfg.SocketName)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", cfg.SocketName)
	}
	w := &Worker{cfg: cfg, listener: listener}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	server := &http.Server{Handler: w.router()}
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(w.listener)
	}()
	logger.Debugf("control socket listening on %q", w.cfg.SocketName)

	select {
	case <-w.tomb.Dying():
		_ = server.Close()
		<-served
		return tomb.ErrDying
	case err := <-served:
		return errors.Trace(err)
	}
}

func (w *Worker) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/relations/{source}", w.handleRelationUpdate).Methods(http.MethodPost)
	router.HandleFunc("/v1/relations/{source}", w.handleRelationRemove).Methods(http.MethodDelete)
	router.HandleFunc("/v1/service/{action}", w.handleAction).Methods(http.MethodPost)
	router.HandleFunc("/v1/status", w.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/tenants", w.handleTenants).Methods(http.MethodGet)
	return router
}

func (w *Worker) handleRelationUpdate(resp http.ResponseWriter, req *http.Request) {
	source := corerelation.Source(mux.Vars(req)["source"])
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(resp, errors.Annotate(err, "reading payload"))
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(resp, errors.NotValidf("payload for %q", source))
		return
	}
	if err := w.cfg.Engine.UpdateRelation(source, payload); err != nil {
		writeError(resp, err)
		return
	}
	writeResult(resp, http.StatusOK, map[string]string{"result": "accepted"})
}

func (w *Worker) handleRelationRemove(resp http.ResponseWriter, req *http.Request) {
	source := corerelation.Source(mux.Vars(req)["source"])
	if err := w.cfg.Engine.RemoveRelation(source); err != nil {
		writeError(resp, err)
		return
	}
	writeResult(resp, http.StatusOK, map[string]string{"result": "removed"})
}

func (w *Worker) handleAction(resp http.ResponseWriter, req *http.Request) {
	action := mux.Vars(req)["action"]
	if err := w.cfg.Engine.RunAction(action); err != nil {
		writeError(resp, err)
		return
	}
	writeResult(resp, http.StatusOK, map[string]string{"result": action + " complete"})
}

func (w *Worker) handleStatus(resp http.ResponseWriter, req *http.Request) {
	info, err := w.cfg.Engine.Status()
	if err != nil {
		writeError(resp, err)
		return
	}
	writeResult(resp, http.StatusOK, info)
}

func (w *Worker) handleTenants(resp http.ResponseWriter, req *http.Request) {
	tenants, err := w.cfg.Engine.Tenants()
	if err != nil {
		writeError(resp, err)
		return
	}
	writeResult(resp, http.StatusOK, tenants)
}

func writeError(resp http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotValid):
		code = http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		code = http.StatusNotFound
	}
	writeResult(resp, code, map[string]string{"error": err.Error()})
}

func writeResult(resp http.ResponseWriter, code int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Errorf("marshalling response: %v", err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	if _, err := resp.Write(data); err != nil {
		logger.Errorf("writing response: %v", err)
	}
}
