// Package lifecycle applies responsible-party updates to corrective actions.
//
// Any status may move to any other; there is no forward-only workflow. The
// "action details required" rule belongs to the form layer and is not
// enforced here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/ports"
)

var (
	ErrNotFound      = errors.New("corrective action not found")
	ErrInvalidUpdate = errors.New("invalid corrective action update")
)

// Update is a partial change. Nil fields are left untouched.
type Update struct {
	Status        *domain.ActionStatus `json:"status,omitempty"`
	ActionDetails *string              `json:"action_details,omitempty"`
	ActionDate    *string              `json:"action_date,omitempty"`
	ActionBy      *string              `json:"action_by,omitempty"`
	ActionImages  *[]string            `json:"action_images,omitempty"`
}

type Service struct {
	store ports.RecordStore
	log   logrus.FieldLogger
}

func New(store ports.RecordStore, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, log: log}
}

// Get returns the corrective action with id.
func (s *Service) Get(ctx context.Context, id string) (domain.CorrectiveAction, error) {
	recs, err := s.store.Query(ctx, ports.CorrectiveActions, ports.Query{Keys: []string{id}})
	if err != nil {
		return domain.CorrectiveAction{}, err
	}
	if len(recs) == 0 {
		return domain.CorrectiveAction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return domain.CorrectiveActionFromRecord(recs[0])
}

// ApplyUpdate writes upd to the corrective action with id. Every successful
// update clears is_new; the store refreshes updated_at. An action deleted
// while the update runs is reported as ErrNotFound and not recreated.
func (s *Service) ApplyUpdate(ctx context.Context, id string, upd Update) error {
	patch, err := upd.fields()
	if err != nil {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, ports.CorrectiveActions, id, patch); err != nil {
		return err
	}
	// A cascade delete between the read and the merge leaves a row holding
	// only the patch.
	after, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if after.InspectionID == "" {
		if err := s.store.Delete(ctx, ports.CorrectiveActions, id); err != nil {
			return fmt.Errorf("remove orphaned corrective action %s: %w", id, err)
		}
		s.log.WithField("corrective_action_id", id).Warn("corrective action deleted during update")
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry := s.log.WithField("corrective_action_id", id)
	if upd.Status != nil {
		entry = entry.WithField("status", *upd.Status)
	}
	entry.Info("corrective action updated")
	return nil
}

func (u Update) fields() (map[string]any, error) {
	patch := map[string]any{domain.FieldIsNew: false}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, *u.Status)
		}
		patch[domain.FieldStatus] = string(*u.Status)
	}
	if u.ActionDetails != nil {
		patch[domain.FieldActionDetails] = *u.ActionDetails
	}
	if u.ActionDate != nil {
		patch[domain.FieldActionDate] = *u.ActionDate
	}
	if u.ActionBy != nil {
		patch[domain.FieldActionBy] = *u.ActionBy
	}
	if u.ActionImages != nil {
		imgs := make([]any, len(*u.ActionImages))
		for i, img := range *u.ActionImages {
			imgs[i] = img
		}
		patch[domain.FieldActionImages] = imgs
	}
	return patch, nil
}
