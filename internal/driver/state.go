// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package driver

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/openstack/charm-mysql-router/core/routercfg"
)

// ErrNoStateFile is returned by Read when no applied configuration has
// been persisted yet.
const ErrNoStateFile = errors.ConstError("applied state file does not exist")

// StateFile persists the applied configuration so an agent restart
// does not force an unnecessary re-bootstrap.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile using path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Read loads the persisted applied configuration. If the file does not
// exist it returns ErrNoStateFile.
func (f *StateFile) Read() (*routercfg.AppliedConfig, error) {
	var applied routercfg.AppliedConfig
	if err := utils.ReadYaml(f.path, &applied); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoStateFile
		}
		return nil, errors.Annotatef(err, "reading applied state %q", f.path)
	}
	if err := applied.Config.Validate(); err != nil {
		return nil, errors.Annotatef(err, "applied state %q corrupt", f.path)
	}
	return &applied, nil
}

// Write stores the applied configuration. The whole value is written
// in one pass; there is no partial update.
func (f *StateFile) Write(applied *routercfg.AppliedConfig) error {
	if err := applied.Config.Validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(utils.WriteYaml(f.path, applied),
		"writing applied state %q", f.path)
}
