// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package credentials implements the credential store: an append-only,
// YAML-backed log of every secret ever issued, with revocation
// markers. Records are never deleted, so the log doubles as an audit
// trail. At most one non-revoked credential exists per owner.
package credentials

import (
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("mysqlrouter.credentials")

// ClusterOwner is the store owner key for the cluster bootstrap
// credential. Tenant credentials are keyed by relation source.
const ClusterOwner = "cluster"

// Credential is one issued secret. The store owns these exclusively;
// everything else refers to them by owner key.
type Credential struct {
	Owner    string    `yaml:"owner"`
	Secret   string    `yaml:"secret"`
	IssuedAt time.Time `yaml:"issued-at"`
	Revoked  bool      `yaml:"revoked"`
}

// Store keeps the credential log, persisted after every mutation. It
// is owned by the reconcile loop and is not safe for concurrent use.
type Store struct {
	path    string
	clock   clock.Clock
	records []Credential
}

// NewStore loads the credential log at path, creating an empty store
// if the file does not exist yet.
func NewStore(path string, clk clock.Clock) (*Store, error) {
	store := &Store{path: path, clock: clk}
	if err := utils.ReadYaml(path, &store.records); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Annotatef(err, "reading credential log %q", path)
		}
	}
	return store, nil
}

// Issue returns the live credential for owner, generating and
// persisting a new one only if none exists. Issue is idempotent:
// repeated calls without an intervening Revoke return the identical
// credential.
func (s *Store) Issue(owner string) (Credential, error) {
	if cred, err := s.Get(owner); err == nil {
		return cred, nil
	} else if !errors.Is(err, errors.NotFound) {
		return Credential{}, errors.Trace(err)
	}
	secret, err := utils.RandomPassword()
	if err != nil {
		return Credential{}, errors.Annotatef(err, "generating secret for %q", owner)
	}
	cred := Credential{
		Owner:    owner,
		Secret:   secret,
		IssuedAt: s.clock.Now().UTC(),
	}
	s.records = append(s.records, cred)
	if err := s.save(); err != nil {
		// Roll the append back so a failed write is not observable.
		s.records = s.records[:len(s.records)-1]
		return Credential{}, errors.Trace(err)
	}
	logger.Infof("issued credential for %q", owner)
	return cred, nil
}

// Ensure records an externally-supplied secret for owner, used for the
// cluster bootstrap credential which is minted by the control plane
// rather than by this store. A changed secret revokes the previous
// record and appends a new one; an unchanged secret is a no-op. The
// revocation and the new record land in a single save, so a failed
// write never leaves the owner without a live credential.
func (s *Store) Ensure(owner, secret string) (Credential, error) {
	liveIdx := -1
	for i := range s.records {
		if s.records[i].Owner == owner && !s.records[i].Revoked {
			liveIdx = i
			break
		}
	}
	if liveIdx >= 0 && s.records[liveIdx].Secret == secret {
		return s.records[liveIdx], nil
	}
	if liveIdx >= 0 {
		s.records[liveIdx].Revoked = true
	}
	cred := Credential{
		Owner:    owner,
		Secret:   secret,
		IssuedAt: s.clock.Now().UTC(),
	}
	s.records = append(s.records, cred)
	if err := s.save(); err != nil {
		s.records = s.records[:len(s.records)-1]
		if liveIdx >= 0 {
			s.records[liveIdx].Revoked = false
		}
		return Credential{}, errors.Trace(err)
	}
	logger.Infof("recorded external credential for %q", owner)
	return cred, nil
}

// Get returns the live credential for owner, or a NotFound error when
// none exists.
func (s *Store) Get(owner string) (Credential, error) {
	for _, cred := range s.records {
		if cred.Owner == owner && !cred.Revoked {
			return cred, nil
		}
	}
	return Credential{}, errors.NotFoundf("credential for %q", owner)
}

// Revoke marks the live credential for owner revoked, retaining the
// record for audit. Revoking an owner with no live credential is a
// no-op. The revoked marker records intent only: enforcement is
// complete once a reconfigure pass has applied a grant list without
// the credential.
func (s *Store) Revoke(owner string) error {
	for i := range s.records {
		if s.records[i].Owner == owner && !s.records[i].Revoked {
			s.records[i].Revoked = true
			if err := s.save(); err != nil {
				s.records[i].Revoked = false
				return errors.Trace(err)
			}
			logger.Infof("revoked credential for %q", owner)
			return nil
		}
	}
	return nil
}

func (s *Store) save() error {
	return errors.Annotatef(utils.WriteYaml(s.path, s.records),
		"writing credential log %q", s.path)
}
