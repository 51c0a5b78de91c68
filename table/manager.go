package table

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astraecs/engine/catalog"
	engineerrors "github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/pkg/logger"
)

// ledgerFlags is the serialized non-column identity of a component: the
// parts of §4.1's "same identity" test that aren't column shape.
type ledgerFlags struct {
	Permission  catalog.Permission  `json:"permission"`
	Persistence catalog.Persistence `json:"persistence"`
	Backend     catalog.BackendKind `json:"backend"`
}

// Manager is the Table Manager (C3): it resolves each registered component
// to a concrete Keys layout on a Backend, and on startup reconciles the
// component's current definition against the Schema Ledger (C10),
// rejecting breaking drift and persisting additive evolution (§4.3).
type Manager struct {
	ledger *Ledger
	log    *logger.Logger
}

// NewManager builds a Table Manager backed by ledger. ledger may be nil in
// tests that only need Keys derivation and accept no drift detection.
func NewManager(ledger *Ledger, log *logger.Logger) *Manager {
	return &Manager{ledger: ledger, log: log}
}

// Install reconciles comp against the ledger: a never-before-seen
// component is recorded as-is; a reappearing component must be an additive
// evolution of its last recorded shape or Install fails with
// SchemaMismatch (§4.3). clusterID is the Cluster Planner's (C5) hash-slot
// assignment for comp's System cluster.
func (m *Manager) Install(ctx context.Context, comp catalog.Component, clusterID uint64) (Keys, error) {
	keys := NewKeys(comp, clusterID)
	if m.ledger == nil {
		return keys, nil
	}

	colsJSON, err := json.Marshal(comp.Columns)
	if err != nil {
		return Keys{}, fmt.Errorf("table: marshal columns for %s: %w", comp.FullName(), err)
	}
	flagsJSON, err := json.Marshal(ledgerFlags{Permission: comp.Permission, Persistence: comp.Persistence, Backend: comp.Backend})
	if err != nil {
		return Keys{}, fmt.Errorf("table: marshal flags for %s: %w", comp.FullName(), err)
	}

	prior, found, err := m.ledger.Get(ctx, comp.Namespace, comp.Name)
	if err != nil {
		return Keys{}, err
	}

	if !found {
		rec := Record{
			Namespace: comp.Namespace, Component: comp.Name, BackendID: string(comp.Backend),
			ColumnsJSON: string(colsJSON), FlagsJSON: string(flagsJSON), ClusterID: clusterID, Version: 1,
		}
		if err := m.ledger.Put(ctx, rec); err != nil {
			return Keys{}, err
		}
		if m.log != nil {
			m.log.Infof("table: installed new component %s (cluster %d)", comp.FullName(), clusterID)
		}
		return keys, nil
	}

	priorComp, err := decodeRecord(prior)
	if err != nil {
		return Keys{}, fmt.Errorf("table: decode ledger row for %s: %w", comp.FullName(), err)
	}

	if ok, reason := priorComp.Compatible(comp); !ok {
		return Keys{}, engineerrors.SchemaMismatch(comp.FullName(), reason)
	}

	if string(colsJSON) == prior.ColumnsJSON && string(flagsJSON) == prior.FlagsJSON && clusterID == prior.ClusterID {
		return keys, nil // no drift, nothing to persist
	}

	rec := Record{
		Namespace: comp.Namespace, Component: comp.Name, BackendID: string(comp.Backend),
		ColumnsJSON: string(colsJSON), FlagsJSON: string(flagsJSON), ClusterID: clusterID, Version: prior.Version + 1,
	}
	if err := m.ledger.Put(ctx, rec); err != nil {
		return Keys{}, err
	}
	if m.log != nil {
		m.log.Infof("table: migrated component %s to ledger version %d", comp.FullName(), rec.Version)
	}
	return keys, nil
}

func decodeRecord(rec Record) (catalog.Component, error) {
	var cols []catalog.Column
	if err := json.Unmarshal([]byte(rec.ColumnsJSON), &cols); err != nil {
		return catalog.Component{}, err
	}
	var flags ledgerFlags
	if err := json.Unmarshal([]byte(rec.FlagsJSON), &flags); err != nil {
		return catalog.Component{}, err
	}
	return catalog.Component{
		Namespace: rec.Namespace, Name: rec.Component, Columns: cols,
		Permission: flags.Permission, Persistence: flags.Persistence, Backend: flags.Backend,
	}, nil
}
