// Package derivation turns the abnormal findings of an inspection into
// corrective action records and reconciles them against the store.
package derivation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/metrics"
	"safetypatrol/internal/ports"
)

// Report lists the item ids touched by one derivation run.
type Report struct {
	InspectionID string   `json:"inspection_id"`
	Created      []string `json:"created"`
	Updated      []string `json:"updated"`
	Removed      []string `json:"removed"`
	Failed       []string `json:"failed"`
}

// inspectorFields are the only fields a re-derivation may overwrite on an
// existing corrective action.
var inspectorFields = []string{
	domain.FieldInspectionID,
	domain.FieldItemID,
	domain.FieldBuilding,
	domain.FieldDivision,
	domain.FieldDepartment,
	domain.FieldCategory,
	domain.FieldItemName,
	domain.FieldResponsible,
	domain.FieldInspectionDetails,
	domain.FieldInspectionRecommendations,
	domain.FieldInspectionImages,
}

type Engine struct {
	store ports.RecordStore
	log   logrus.FieldLogger
	m     *metrics.Metrics
	limit int
}

type Option func(*Engine)

// WithConcurrency bounds the number of concurrent per-item writes.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.m = m } }

func New(store ports.RecordStore, opts ...Option) *Engine {
	e := &Engine{store: store, limit: 8}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.m == nil {
		e.m = metrics.NewNop()
	}
	return e
}

// Derive reconciles the corrective actions of in with its abnormal items.
// Existing actions keep their status, is_new flag and responsible-party fields.
func (e *Engine) Derive(ctx context.Context, in domain.Inspection) (Report, error) {
	return e.derive(ctx, in, nil)
}

// DeriveItems re-runs derivation for the listed item ids only, typically the
// Failed list of an earlier report.
func (e *Engine) DeriveItems(ctx context.Context, in domain.Inspection, itemIDs []string) (Report, error) {
	only := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		only[id] = true
	}
	return e.derive(ctx, in, only)
}

// Build constructs the corrective action a fresh derivation writes for item.
func Build(in domain.Inspection, item domain.InspectionItem) domain.CorrectiveAction {
	responsible := item.Responsible
	if responsible == "" {
		responsible = domain.UnspecifiedResponsible
	}
	return domain.CorrectiveAction{
		ID:                        domain.CorrectiveActionID(in.ID, item.ID),
		InspectionID:              in.ID,
		ItemID:                    item.ID,
		Building:                  in.Building,
		Division:                  in.Division,
		Department:                in.Department,
		Category:                  item.Category,
		ItemName:                  item.Name,
		Responsible:               responsible,
		Status:                    domain.ActionUnderReview,
		InspectionDetails:         item.Details,
		InspectionRecommendations: item.Recommendations,
		InspectionImages:          append([]string(nil), item.Images...),
		IsNew:                     true,
	}
}

type run struct {
	mu     sync.Mutex
	report Report
	errs   []error
}

func (r *run) fail(itemID string, err error) {
	r.mu.Lock()
	r.report.Failed = append(r.report.Failed, itemID)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *run) ok(list *[]string, itemID string) {
	r.mu.Lock()
	*list = append(*list, itemID)
	r.mu.Unlock()
}

func (e *Engine) derive(ctx context.Context, in domain.Inspection, only map[string]bool) (Report, error) {
	log := e.log.WithField("inspection_id", in.ID)
	if err := check(in); err != nil {
		e.m.Derivations.WithLabelValues("invalid").Inc()
		return Report{InspectionID: in.ID}, &Error{Kind: ErrInvalidInspection, InspectionID: in.ID, Err: err}
	}
	selected := func(itemID string) bool { return only == nil || only[itemID] }

	type target struct {
		item   domain.InspectionItem
		action domain.CorrectiveAction
	}
	wanted := make(map[string]bool)
	var targets []target
	for _, it := range in.AbnormalItems() {
		a := Build(in, it)
		wanted[a.ID] = true
		if selected(it.ID) {
			targets = append(targets, target{item: it, action: a})
		}
	}

	r := &run{report: Report{InspectionID: in.ID}}

	existing, err := e.store.Query(ctx, ports.CorrectiveActions, ports.Query{
		Where: []ports.Condition{{Field: domain.FieldInspectionID, Equals: in.ID}},
	})
	if err != nil {
		for _, t := range targets {
			r.report.Failed = append(r.report.Failed, t.item.ID)
		}
		e.m.Derivations.WithLabelValues("unavailable").Inc()
		log.WithError(err).Warn("derivation: existing actions query failed")
		return r.report, &Error{Kind: ErrStoreUnavailable, InspectionID: in.ID, Failed: r.report.Failed, Err: err}
	}
	have := make(map[string]bool, len(existing))
	var stale []ports.Record
	for _, rec := range existing {
		have[rec.Key] = true
		itemID, _ := rec.Fields[domain.FieldItemID].(string)
		if !wanted[rec.Key] && selected(itemID) {
			stale = append(stale, rec)
		}
	}

	var creates []ports.Record
	var createItems []target
	var updates []target
	for _, t := range targets {
		if have[t.action.ID] {
			updates = append(updates, t)
			continue
		}
		fields, err := domain.CorrectiveActionFields(t.action)
		if err != nil {
			r.fail(t.item.ID, err)
			continue
		}
		creates = append(creates, ports.Record{Key: t.action.ID, Fields: fields})
		createItems = append(createItems, t)
	}

	if len(creates) > 0 {
		errs := e.store.InsertMany(ctx, ports.CorrectiveActions, creates)
		for i, err := range errs {
			switch {
			case err == nil:
				r.ok(&r.report.Created, createItems[i].item.ID)
				e.m.ActionWrites.WithLabelValues("insert").Inc()
			case errors.Is(err, ports.ErrConflict):
				// Created concurrently since the query; fall back to a merge.
				updates = append(updates, createItems[i])
			default:
				r.fail(createItems[i].item.ID, err)
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.limit)
	for _, t := range updates {
		g.Go(func() error {
			patch, err := inspectorPatch(t.action)
			if err == nil {
				err = e.store.Upsert(ctx, ports.CorrectiveActions, t.action.ID, patch)
			}
			if err != nil {
				r.fail(t.item.ID, err)
				return nil
			}
			r.ok(&r.report.Updated, t.item.ID)
			e.m.ActionWrites.WithLabelValues("merge").Inc()
			return nil
		})
	}
	for _, rec := range stale {
		g.Go(func() error {
			itemID, _ := rec.Fields[domain.FieldItemID].(string)
			if err := e.store.Delete(ctx, ports.CorrectiveActions, rec.Key); err != nil {
				r.fail(itemID, err)
				return nil
			}
			r.ok(&r.report.Removed, itemID)
			e.m.ActionWrites.WithLabelValues("delete").Inc()
			return nil
		})
	}
	_ = g.Wait()

	rep := r.report
	for _, list := range [][]string{rep.Created, rep.Updated, rep.Removed, rep.Failed} {
		sort.Strings(list)
	}
	log = log.WithFields(logrus.Fields{
		"created": len(rep.Created),
		"updated": len(rep.Updated),
		"removed": len(rep.Removed),
		"failed":  len(rep.Failed),
	})
	if len(rep.Failed) == 0 {
		e.m.Derivations.WithLabelValues("ok").Inc()
		log.Debug("derivation complete")
		return rep, nil
	}

	kind, label := ErrPartialFailure, "partial"
	if len(rep.Created)+len(rep.Updated)+len(rep.Removed) == 0 {
		kind, label = ErrStoreUnavailable, "unavailable"
	}
	e.m.Derivations.WithLabelValues(label).Inc()
	joined := errors.Join(r.errs...)
	log.WithError(joined).Warn("derivation incomplete")
	return rep, &Error{Kind: kind, InspectionID: in.ID, Failed: rep.Failed, Err: joined}
}

func inspectorPatch(a domain.CorrectiveAction) (map[string]any, error) {
	full, err := domain.CorrectiveActionFields(a)
	if err != nil {
		return nil, err
	}
	patch := make(map[string]any, len(inspectorFields))
	for _, k := range inspectorFields {
		patch[k] = full[k]
	}
	return patch, nil
}
