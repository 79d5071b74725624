// Package patrol is the application facade: it sequences store writes,
// derivation and view reloads so every caller sees its own writes.
package patrol

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/ports"
	"safetypatrol/internal/services/derivation"
	"safetypatrol/internal/services/lifecycle"
	"safetypatrol/internal/services/rollups"
)

var ErrInspectionNotFound = errors.New("inspection not found")

// View is the synchronised snapshot of both collections.
type View interface {
	Inspections() ([]domain.Inspection, uint64)
	CorrectiveActions() ([]domain.CorrectiveAction, uint64)
	ReloadNow(ctx context.Context, cs ...ports.Collection) error
	Version() uint64
}

type Service struct {
	store   ports.RecordStore
	view    View
	derive  *derivation.Engine
	actions *lifecycle.Service
	rollups *rollups.Engine
	log     logrus.FieldLogger
}

func New(store ports.RecordStore, view View, derive *derivation.Engine, actions *lifecycle.Service, ro *rollups.Engine, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, view: view, derive: derive, actions: actions, rollups: ro, log: log}
}

// Inspections returns the current inspections, newest first.
func (s *Service) Inspections() []domain.Inspection {
	ins, _ := s.view.Inspections()
	return ins
}

// Inspection returns one inspection from the current view.
func (s *Service) Inspection(id string) (domain.Inspection, error) {
	ins, _ := s.view.Inspections()
	for _, in := range ins {
		if in.ID == id {
			return in, nil
		}
	}
	return domain.Inspection{}, fmt.Errorf("%w: %s", ErrInspectionNotFound, id)
}

// Reports lists the inspection history matching f, newest first.
func (s *Service) Reports(f rollups.ReportFilter) []domain.Inspection {
	ins, _ := s.view.Inspections()
	return rollups.Reports(ins, f)
}

// Version is the version of the view the service reads from.
func (s *Service) Version() uint64 { return s.view.Version() }

// CorrectiveActions returns the current corrective actions, newest first.
func (s *Service) CorrectiveActions() []domain.CorrectiveAction {
	acts, _ := s.view.CorrectiveActions()
	return acts
}

// SubmitInspection stores in and derives its corrective actions. An empty id
// is assigned. Invalid input is rejected before anything is written. The
// returned error may carry a partial report; callers retry the Failed items
// with RetryDerivation.
func (s *Service) SubmitInspection(ctx context.Context, in domain.Inspection) (derivation.Report, error) {
	if in.ID == "" {
		in.ID = domain.NewID()
	}
	if err := derivation.Validate(in); err != nil {
		return derivation.Report{InspectionID: in.ID}, err
	}
	fields, err := domain.InspectionFields(in)
	if err != nil {
		return derivation.Report{InspectionID: in.ID}, err
	}
	if err := s.store.Upsert(ctx, ports.Inspections, in.ID, fields); err != nil {
		return derivation.Report{InspectionID: in.ID}, fmt.Errorf("save inspection %s: %w", in.ID, err)
	}

	report, err := s.derive.Derive(ctx, in)
	s.reload(ctx, ports.Inspections, ports.CorrectiveActions)
	return report, err
}

// RetryDerivation re-derives the stored inspection. With no item ids every
// abnormal item is reconciled.
func (s *Service) RetryDerivation(ctx context.Context, inspectionID string, itemIDs []string) (derivation.Report, error) {
	in, err := s.inspection(ctx, inspectionID)
	if err != nil {
		return derivation.Report{InspectionID: inspectionID}, err
	}
	var report derivation.Report
	if len(itemIDs) == 0 {
		report, err = s.derive.Derive(ctx, in)
	} else {
		report, err = s.derive.DeriveItems(ctx, in, itemIDs)
	}
	s.reload(ctx, ports.CorrectiveActions)
	return report, err
}

// DeleteInspection removes an inspection and every corrective action derived
// from it. Actions go first so a failure part way leaves the inspection in
// place and the call can be repeated.
func (s *Service) DeleteInspection(ctx context.Context, id string) error {
	recs, err := s.store.Query(ctx, ports.Inspections, ports.Query{Keys: []string{id}})
	if err != nil {
		return err
	}
	acts, err := s.store.Query(ctx, ports.CorrectiveActions, ports.Query{
		Where: []ports.Condition{{Field: domain.FieldInspectionID, Equals: id}},
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 && len(acts) == 0 {
		return fmt.Errorf("%w: %s", ErrInspectionNotFound, id)
	}

	defer s.reload(ctx, ports.Inspections, ports.CorrectiveActions)
	for _, a := range acts {
		if err := s.store.Delete(ctx, ports.CorrectiveActions, a.Key); err != nil {
			return fmt.Errorf("delete corrective action %s: %w", a.Key, err)
		}
	}
	if err := s.store.Delete(ctx, ports.Inspections, id); err != nil {
		return fmt.Errorf("delete inspection %s: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"inspection_id": id, "corrective_actions": len(acts)}).Info("inspection deleted")
	return nil
}

// UpdateCorrectiveAction applies a responsible-party update.
func (s *Service) UpdateCorrectiveAction(ctx context.Context, id string, upd lifecycle.Update) error {
	if err := s.actions.ApplyUpdate(ctx, id, upd); err != nil {
		return err
	}
	s.reload(ctx, ports.CorrectiveActions)
	return nil
}

func (s *Service) BuildingRollup(f rollups.Filter) rollups.BuildingRollup {
	ins, v := s.view.Inspections()
	return s.rollups.Buildings(v, ins, f)
}

func (s *Service) DivisionRollup(f rollups.Filter) rollups.DivisionRollup {
	ins, v := s.view.Inspections()
	return s.rollups.Divisions(v, ins, f)
}

func (s *Service) CustomItemRollup(f rollups.Filter) rollups.CustomItemRollup {
	ins, v := s.view.Inspections()
	return s.rollups.CustomItems(v, ins, f)
}

func (s *Service) FollowUpBoard() rollups.FollowUpBoard {
	acts, v := s.view.CorrectiveActions()
	return s.rollups.FollowUp(v, acts)
}

func (s *Service) inspection(ctx context.Context, id string) (domain.Inspection, error) {
	recs, err := s.store.Query(ctx, ports.Inspections, ports.Query{Keys: []string{id}})
	if err != nil {
		return domain.Inspection{}, err
	}
	if len(recs) == 0 {
		return domain.Inspection{}, fmt.Errorf("%w: %s", ErrInspectionNotFound, id)
	}
	return domain.InspectionFromRecord(recs[0])
}

// reload refreshes the view after a local write. A failure is logged only;
// the change feed triggers another reload.
func (s *Service) reload(ctx context.Context, cs ...ports.Collection) {
	if err := s.view.ReloadNow(ctx, cs...); err != nil {
		s.log.WithError(err).Warn("reload after write failed")
	}
}
