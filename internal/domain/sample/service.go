package sample

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/internal/platform/workflow"
)

// Resolution errors. The push consumer maps these onto its error taxonomy.
var (
	ErrNoMatch   = errors.New("no sample matches the identifier")
	ErrAmbiguous = errors.New("identifier matches more than one sample")
)

// ShipmentOrigin resolves the partner-facing identity of the inbound
// shipment a sample was created from. Implemented by the shipment service
// and wired in at startup.
type ShipmentOrigin interface {
	Origin(ctx context.Context, inboundShipmentUID uuid.UUID) (shipmentID string, labUID uuid.UUID, err error)
}

type Service struct {
	repo     Repository
	events   workflow.EventRepository
	labs     *lab.Service
	notifier *notify.Client
	origins  ShipmentOrigin

	machine         *workflow.Machine
	analysisMachine *workflow.Machine
	logger          zerolog.Logger
}

func NewService(repo Repository, events workflow.EventRepository, labs *lab.Service, notifier *notify.Client, logger zerolog.Logger) *Service {
	s := &Service{
		repo:     repo,
		events:   events,
		labs:     labs,
		notifier: notifier,
		logger:   logger.With().Str("component", "sample").Logger(),
	}
	s.machine = workflow.NewMachine(
		workflow.Transition{Action: ActionReceive, From: []string{StateDue}, To: StateReceived},
		workflow.Transition{Action: ActionShip, From: []string{StateReceived}, To: StateShipped, Guard: s.guardShip},
		workflow.Transition{Action: ActionRecoverFromShipment, From: []string{StateShipped}, To: StateReceived},
		workflow.Transition{Action: ActionRecallFromShipment, From: []string{StateShipped}, To: StateReceived},
		workflow.Transition{Action: ActionSubmit, From: []string{StateReceived}, To: StateToBeVerified},
		workflow.Transition{Action: ActionVerify, From: []string{StateToBeVerified, StateShipped}, To: StateVerified},
		workflow.Transition{Action: ActionPublish, From: []string{StateVerified}, To: StatePublished},
		workflow.Transition{Action: ActionReject, From: []string{StateDue, StateReceived, StateToBeVerified}, To: StateRejected},
		workflow.Transition{Action: ActionRejectAtReference, From: []string{StateShipped}, To: StateRejected},
		workflow.Transition{Action: ActionInvalidateAtRef, From: []string{StateShipped, StateVerified}, To: StateInvalid},
		workflow.Transition{Action: ActionCancel, From: []string{StateDue, StateReceived, StateShipped}, To: StateCancelled, Guard: s.guardCancel},
	)
	s.analysisMachine = workflow.NewMachine(
		workflow.Transition{Action: AnalysisActionRefer, From: []string{AnalysisUnassigned}, To: AnalysisReferred, Guard: s.guardRefer},
		workflow.Transition{Action: AnalysisActionUnassign, From: []string{AnalysisReferred}, To: AnalysisUnassigned},
		workflow.Transition{Action: AnalysisActionSubmit, From: []string{AnalysisUnassigned}, To: AnalysisToBeVerified},
		workflow.Transition{Action: AnalysisActionVerify, From: []string{AnalysisToBeVerified, AnalysisReferred}, To: AnalysisVerified},
		workflow.Transition{Action: AnalysisActionReject, From: []string{AnalysisUnassigned, AnalysisReferred, AnalysisToBeVerified}, To: AnalysisRejected},
	)
	return s
}

// SetOriginResolver wires the inbound shipment lookup. Set once at startup;
// kept out of the constructor to break the construction cycle with the
// shipment service.
func (s *Service) SetOriginResolver(o ShipmentOrigin) { s.origins = o }

// Machine exposes the sample state machine to the push consumer.
func (s *Service) Machine() *workflow.Machine { return s.machine }

// guardShip allows shipping only while every analysis is still unassigned.
func (s *Service) guardShip(ctx context.Context, obj workflow.Stateful) (bool, error) {
	smp, ok := obj.(*Sample)
	if !ok {
		return false, fmt.Errorf("guard_ship: not a sample")
	}
	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		return false, err
	}
	for _, a := range analyses {
		if a.Status != AnalysisUnassigned {
			return false, nil
		}
	}
	return true, nil
}

// guardCancel blocks cancellation of samples that originated from an inbound
// shipment; those belong to the referring laboratory's workflow.
func (s *Service) guardCancel(_ context.Context, obj workflow.Stateful) (bool, error) {
	smp, ok := obj.(*Sample)
	if !ok {
		return false, fmt.Errorf("guard_cancel: not a sample")
	}
	return !smp.FromInbound(), nil
}

// guardRefer allows referring an analysis only while its sample is shipped.
func (s *Service) guardRefer(ctx context.Context, obj workflow.Stateful) (bool, error) {
	a, ok := obj.(*Analysis)
	if !ok {
		return false, fmt.Errorf("guard_refer: not an analysis")
	}
	smp, err := s.repo.GetByID(ctx, a.SampleUID)
	if err != nil {
		return false, err
	}
	return smp.Status == StateShipped, nil
}

// Create stores a new sample in the due state together with one unassigned
// analysis per keyword.
func (s *Service) Create(ctx context.Context, smp *Sample, keywords []string) error {
	if smp.ClientSampleID == "" {
		return fmt.Errorf("client_sample_id is required")
	}
	if smp.SampleType == "" {
		return fmt.Errorf("sample_type is required")
	}
	smp.Status = StateDue
	if err := s.repo.Create(ctx, smp); err != nil {
		return err
	}
	for _, kw := range keywords {
		a := &Analysis{
			ID:        uuid.New(),
			SampleUID: smp.ID,
			Keyword:   kw,
			Status:    AnalysisUnassigned,
		}
		if err := s.repo.CreateAnalysis(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Sample, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Analyses(ctx context.Context, sampleUID uuid.UUID) ([]*Analysis, error) {
	return s.repo.ListAnalyses(ctx, sampleUID)
}

func (s *Service) ListByOutboundShipment(ctx context.Context, shipmentUID uuid.UUID) ([]*Sample, error) {
	return s.repo.ListByOutboundShipment(ctx, shipmentUID)
}

// Resolve finds the one live sample carrying the client sample identifier,
// following the invalidation chain past retested samples. Zero matches or
// more than one live match are errors; the identifier comes from a partner
// and must name exactly one local object.
func (s *Service) Resolve(ctx context.Context, clientSampleID string) (*Sample, error) {
	matches, err := s.repo.ListByClientSampleID(ctx, clientSampleID)
	if err != nil {
		return nil, err
	}
	var live []*Sample
	for _, m := range matches {
		if m.InvalidatedBy == nil {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, clientSampleID)
	}
	if len(live) > 1 {
		return nil, fmt.Errorf("%w: %q", ErrAmbiguous, clientSampleID)
	}
	return live[0], nil
}

// Receive moves a due sample to received.
func (s *Service) Receive(ctx context.Context, id uuid.UUID, actor string) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.machine.Try(ctx, smp, ActionReceive, actor)
	if err != nil {
		return err
	}
	return s.persist(ctx, smp, ev)
}

// Ship adds the sample to an outbound shipment: the back-reference is set,
// the sample moves to shipped and every analysis is referred, locking
// results until the sample comes back.
func (s *Service) Ship(ctx context.Context, id, shipmentUID uuid.UUID, actor string) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if smp.OutboundShipmentUID != nil {
		return fmt.Errorf("sample %s is already on a shipment", smp.ClientSampleID)
	}
	ev, err := s.machine.Try(ctx, smp, ActionShip, actor)
	if err != nil {
		return err
	}
	smp.OutboundShipmentUID = &shipmentUID
	if err := s.persist(ctx, smp, ev); err != nil {
		return err
	}

	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		return err
	}
	for _, a := range analyses {
		aev, err := s.analysisMachine.Try(ctx, a, AnalysisActionRefer, actor)
		if err != nil {
			return fmt.Errorf("refer analysis %s: %w", a.Keyword, err)
		}
		if err := s.persistAnalysis(ctx, a, aev); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFromShipment takes the sample off a not-yet-dispatched shipment.
func (s *Service) RecoverFromShipment(ctx context.Context, id uuid.UUID, actor string) error {
	return s.rollback(ctx, id, ActionRecoverFromShipment, actor)
}

// RecallFromShipment pulls the sample back after dispatch.
func (s *Service) RecallFromShipment(ctx context.Context, id uuid.UUID, actor string) error {
	return s.rollback(ctx, id, ActionRecallFromShipment, actor)
}

// rollback restores the review state the sample had before it was shipped,
// looked up from review history, and returns its analyses to unassigned.
func (s *Service) rollback(ctx context.Context, id uuid.UUID, action, actor string) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	history, err := s.events.ListByObject(ctx, smp.ID)
	if err != nil {
		return err
	}
	prev := workflow.PreviousState(history, StateShipped, StateReceived)
	ev, err := s.machine.TryTo(ctx, smp, action, prev, actor)
	if err != nil {
		return err
	}
	smp.OutboundShipmentUID = nil
	if err := s.persist(ctx, smp, ev); err != nil {
		return err
	}

	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		return err
	}
	for _, a := range analyses {
		if a.Status != AnalysisReferred {
			continue
		}
		aev, err := s.analysisMachine.Try(ctx, a, AnalysisActionUnassign, actor)
		if err != nil {
			return err
		}
		if err := s.persistAnalysis(ctx, a, aev); err != nil {
			return err
		}
	}
	return nil
}

// Verify finalizes the sample. For samples created from an inbound shipment
// the referring laboratory is notified with the finalized results.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.machine.Try(ctx, smp, ActionVerify, actor)
	if err != nil {
		return err
	}
	if err := s.persist(ctx, smp, ev); err != nil {
		return err
	}
	if smp.FromInbound() {
		s.notifyResults(ctx, smp, skip)
	}
	return nil
}

// Reject rejects the sample. Inbound-origin samples notify the referring
// laboratory so it can mirror the rejection.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.machine.Try(ctx, smp, ActionReject, actor)
	if err != nil {
		return err
	}
	if err := s.persist(ctx, smp, ev); err != nil {
		return err
	}
	if smp.FromInbound() {
		s.notifyAction(ctx, smp, ActionRejectAtReference, skip)
	}
	return nil
}

// Cancel cancels a locally-originated sample.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor string) error {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.machine.Try(ctx, smp, ActionCancel, actor)
	if err != nil {
		return err
	}
	return s.persist(ctx, smp, ev)
}

// ApplyReferredResults applies a result payload from the reference
// laboratory to a shipped sample: each analysis gets its result and remote
// identities, then the sample is verified. The reference laboratory already
// validated the results, so a blocked verify falls through to a forced one.
func (s *Service) ApplyReferredResults(ctx context.Context, smp *Sample, results []AnalysisResult, actor string) error {
	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		return err
	}
	byKeyword := make(map[string]*Analysis, len(analyses))
	for _, a := range analyses {
		byKeyword[a.Keyword] = a
	}

	for _, res := range results {
		a, ok := byKeyword[res.Keyword]
		if !ok {
			s.logger.Warn().Str("keyword", res.Keyword).Str("sample", smp.ClientSampleID).
				Msg("result for unknown analysis keyword, skipping")
			continue
		}
		a.Result = res.FormattedResult
		a.ResultDate = res.ResultDate
		a.ReferenceInstrument = res.Instrument
		a.ReferenceMethod = res.Method
		a.ReferenceAnalysts = res.Analysts
		a.ReferenceVerifiers = res.Verifiers

		aev, err := s.analysisMachine.Try(ctx, a, AnalysisActionVerify, actor)
		if err != nil {
			if !errors.Is(err, workflow.ErrNotAllowed) {
				return err
			}
			aev, err = s.analysisMachine.Force(a, AnalysisActionVerify, actor)
			if err != nil {
				return err
			}
		}
		if err := s.persistAnalysis(ctx, a, aev); err != nil {
			return err
		}
	}

	ev, err := s.machine.Try(ctx, smp, ActionVerify, actor)
	if err != nil {
		if !errors.Is(err, workflow.ErrNotAllowed) {
			return err
		}
		history, herr := s.events.ListByObject(ctx, smp.ID)
		if herr != nil {
			return herr
		}
		if workflow.IsLastAction(history, ActionVerify) {
			return nil
		}
		ev, err = s.machine.Force(smp, ActionVerify, actor)
		if err != nil {
			return err
		}
	}
	return s.persist(ctx, smp, ev)
}

// RemoteAction applies a partner-requested action: the guarded transition
// first, then the review-history idempotency check, then the forced
// assignment. The partner's domain rules already validated the action.
func (s *Service) RemoteAction(ctx context.Context, smp *Sample, action, actor string) error {
	ev, err := s.machine.Try(ctx, smp, action, actor)
	if err != nil {
		if !errors.Is(err, workflow.ErrNotAllowed) {
			return err
		}
		history, herr := s.events.ListByObject(ctx, smp.ID)
		if herr != nil {
			return herr
		}
		if workflow.IsLastAction(history, action) {
			return nil
		}
		ev, err = s.machine.Force(smp, action, actor)
		if err != nil {
			return err
		}
	}
	return s.persist(ctx, smp, ev)
}

// InvalidateAtReference invalidates the sample and creates its retest: a
// fresh sample with the same client identifier and analyses, linked through
// InvalidatedBy so resolution finds the retest instead of the dead sample.
// Inbound-origin samples notify the referring laboratory so it can mirror
// the invalidation.
func (s *Service) InvalidateAtReference(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) (*Sample, error) {
	smp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := s.machine.Try(ctx, smp, ActionInvalidateAtRef, actor)
	if err != nil {
		return nil, err
	}

	retest := &Sample{
		ID:                 uuid.New(),
		ClientSampleID:     smp.ClientSampleID,
		SampleType:         smp.SampleType,
		Priority:           smp.Priority,
		DateSampled:        smp.DateSampled,
		Status:             StateReceived,
		InboundShipmentUID: smp.InboundShipmentUID,
	}
	if err := s.repo.Create(ctx, retest); err != nil {
		return nil, err
	}
	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range analyses {
		ra := &Analysis{
			ID:        uuid.New(),
			SampleUID: retest.ID,
			Keyword:   a.Keyword,
			Status:    AnalysisUnassigned,
		}
		if err := s.repo.CreateAnalysis(ctx, ra); err != nil {
			return nil, err
		}
	}

	smp.InvalidatedBy = &retest.ID
	if err := s.persist(ctx, smp, ev); err != nil {
		return nil, err
	}
	if smp.FromInbound() {
		s.notifyAction(ctx, smp, ActionInvalidateAtRef, skip)
	}
	return retest, nil
}

// History returns the sample's review history.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]workflow.Event, error) {
	return s.events.ListByObject(ctx, id)
}

func (s *Service) persist(ctx context.Context, smp *Sample, ev *workflow.Event) error {
	smp.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, smp); err != nil {
		return err
	}
	return s.events.Append(ctx, ev)
}

func (s *Service) persistAnalysis(ctx context.Context, a *Analysis, ev *workflow.Event) error {
	a.UpdatedAt = time.Now()
	if err := s.repo.UpdateAnalysis(ctx, a); err != nil {
		return err
	}
	return s.events.Append(ctx, ev)
}

// notifyResults pushes the finalized results back to the referring
// laboratory. Best-effort: failures end up in the notification history.
func (s *Service) notifyResults(ctx context.Context, smp *Sample, skip *notify.SkipSet) {
	if skip.Contains(smp.ID) {
		return
	}
	sess, shipmentID := s.connectOrigin(ctx, smp)
	if sess == nil {
		return
	}
	analyses, err := s.repo.ListAnalyses(ctx, smp.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("sample", smp.ClientSampleID).Msg("cannot load analyses for result notification")
		return
	}
	blocks := make([]interface{}, 0, len(analyses))
	for _, a := range analyses {
		block := map[string]interface{}{
			"keyword":          a.Keyword,
			"formatted_result": a.Result,
			"instrument":       a.ReferenceInstrument,
			"method":           a.ReferenceMethod,
			"analysts":         identities(a.ReferenceAnalysts),
			"verifiers":        identities(a.ReferenceVerifiers),
		}
		if a.ResultDate != nil {
			block["result_date"] = wire.FormatDatetime(*a.ResultDate)
		}
		blocks = append(blocks, block)
	}
	fields := map[string]interface{}{
		"sample": map[string]interface{}{
			"referring_id": smp.ClientSampleID,
			"shipment_id":  shipmentID,
			"analyses":     blocks,
		},
	}
	sess.Notify(ctx, smp.ID, wire.ConsumerOutboundSample, fields, 1)
}

// notifyAction pushes a generic action against the sample to the referring
// laboratory.
func (s *Service) notifyAction(ctx context.Context, smp *Sample, action string, skip *notify.SkipSet) {
	sess, shipmentID := s.connectOrigin(ctx, smp)
	if sess == nil {
		return
	}
	item := map[string]interface{}{
		"portal_type": "sample",
		"id":          smp.ClientSampleID,
		"shipment_id": shipmentID,
	}
	sess.DoAction(ctx, smp.ID, action, item, skip)
}

func (s *Service) connectOrigin(ctx context.Context, smp *Sample) (*notify.Session, string) {
	if s.origins == nil || smp.InboundShipmentUID == nil {
		return nil, ""
	}
	shipmentID, labUID, err := s.origins.Origin(ctx, *smp.InboundShipmentUID)
	if err != nil {
		s.logger.Error().Err(err).Str("sample", smp.ClientSampleID).Msg("cannot resolve inbound shipment origin")
		return nil, ""
	}
	l, err := s.labs.GetLaboratory(ctx, labUID)
	if err != nil {
		s.logger.Error().Err(err).Str("sample", smp.ClientSampleID).Msg("cannot load referring laboratory")
		return nil, ""
	}
	return s.notifier.Connect(s.labs.Destination(l)), shipmentID
}

func identities(ids []RemoteIdentity) []interface{} {
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{
			"userid":   id.UserID,
			"username": id.Username,
			"email":    id.Email,
			"fullname": id.FullName,
			"lab_code": id.LabCode,
		})
	}
	return out
}
