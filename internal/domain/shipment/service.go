package shipment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/domain/sample"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/internal/platform/queue"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/internal/platform/workflow"
)

// QueueActionReceiveSamples is the task action for deferred reception of
// announced inbound samples.
const QueueActionReceiveSamples = "receive_inbound_samples"

// Config carries the shipment service settings.
type Config struct {
	// LabCode prefixes generated outbound shipment identifiers.
	LabCode string
	// AllowManualInbound permits creating inbound shipments through the
	// admin API instead of only via partner pushes.
	AllowManualInbound bool
}

type Service struct {
	cfg      Config
	repo     Repository
	events   workflow.EventRepository
	labs     *lab.Service
	samples  *sample.Service
	notifier *notify.Client
	bridge   *queue.Bridge

	outbound      *workflow.Machine
	inbound       *workflow.Machine
	inboundSample *workflow.Machine

	logger zerolog.Logger
}

func NewService(cfg Config, repo Repository, events workflow.EventRepository, labs *lab.Service,
	samples *sample.Service, notifier *notify.Client, bridge *queue.Bridge, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		events:   events,
		labs:     labs,
		samples:  samples,
		notifier: notifier,
		bridge:   bridge,
		logger:   logger.With().Str("component", "shipment").Logger(),
	}
	s.outbound = workflow.NewMachine(
		workflow.Transition{Action: ActionFinalise, From: []string{OutboundPreparation}, To: OutboundReady, Guard: s.guardFinalise},
		workflow.Transition{Action: ActionDispatch, From: []string{OutboundReady}, To: OutboundDispatched, Guard: s.guardDispatch},
		workflow.Transition{Action: ActionDeliver, From: []string{OutboundDispatched}, To: OutboundDelivered},
		workflow.Transition{Action: ActionLose, From: []string{OutboundDispatched}, To: OutboundLost},
		workflow.Transition{Action: ActionRejectOutbound, From: []string{OutboundDispatched}, To: OutboundRejected},
		workflow.Transition{Action: ActionCancelOutbound, From: []string{OutboundPreparation, OutboundReady, OutboundDispatched}, To: OutboundCancelled},
	)
	s.inbound = workflow.NewMachine(
		workflow.Transition{Action: ActionReceiveInbound, From: []string{InboundDue}, To: InboundReceived, Guard: s.guardReceiveInbound},
		workflow.Transition{Action: ActionRejectInbound, From: []string{InboundDue}, To: InboundRejected},
		workflow.Transition{Action: ActionCancelInbound, From: []string{InboundDue}, To: InboundCancelled},
	)
	s.inboundSample = workflow.NewMachine(
		workflow.Transition{Action: ActionReceiveInboundSample, From: []string{InboundSampleDue}, To: InboundSampleReceived, Guard: s.guardReceiveInboundSample},
		workflow.Transition{Action: ActionRejectInboundSample, From: []string{InboundSampleDue}, To: InboundSampleRejected},
	)
	return s
}

// OutboundMachine exposes the outbound shipment state machine.
func (s *Service) OutboundMachine() *workflow.Machine { return s.outbound }

// InboundMachine exposes the inbound shipment state machine.
func (s *Service) InboundMachine() *workflow.Machine { return s.inbound }

// guardFinalise requires at least one sample on the shipment.
func (s *Service) guardFinalise(ctx context.Context, obj workflow.Stateful) (bool, error) {
	n, err := s.sampleCount(ctx, obj.UID())
	return n > 0, err
}

// guardDispatch requires at least one sample and a generated manifest.
func (s *Service) guardDispatch(ctx context.Context, obj workflow.Stateful) (bool, error) {
	sh, ok := obj.(*OutboundShipment)
	if !ok {
		return false, fmt.Errorf("guard_dispatch: not an outbound shipment")
	}
	if sh.ManifestRef == "" {
		return false, nil
	}
	n, err := s.sampleCount(ctx, sh.ID)
	return n > 0, err
}

// guardReceiveInbound requires at least one announced sample, each one
// already received or still individually receivable.
func (s *Service) guardReceiveInbound(ctx context.Context, obj workflow.Stateful) (bool, error) {
	items, err := s.repo.ListInboundSamples(ctx, obj.UID())
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	for _, is := range items {
		if is.Status == InboundSampleReceived {
			continue
		}
		ok, err := s.inboundSample.Allowed(ctx, is, ActionReceiveInboundSample)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// guardReceiveInboundSample blocks reception once a local counterpart is
// linked.
func (s *Service) guardReceiveInboundSample(_ context.Context, obj workflow.Stateful) (bool, error) {
	is, ok := obj.(*InboundSample)
	if !ok {
		return false, fmt.Errorf("guard_receive_inbound_sample: not an inbound sample")
	}
	return is.SampleUID == nil, nil
}

func (s *Service) sampleCount(ctx context.Context, shipmentUID uuid.UUID) (int, error) {
	items, err := s.samples.ListByOutboundShipment(ctx, shipmentUID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// ---- outbound ----

// CreateOutbound opens a new shipment to a reference laboratory in the
// preparation state.
func (s *Service) CreateOutbound(ctx context.Context, labUID uuid.UUID, comments string) (*OutboundShipment, error) {
	l, err := s.labs.GetLaboratory(ctx, labUID)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, fmt.Errorf("laboratory %s is not active", l.Code)
	}
	if !l.Reference {
		return nil, fmt.Errorf("laboratory %s is not a reference laboratory", l.Code)
	}
	sh := &OutboundShipment{
		ID:       uuid.New(),
		LabUID:   labUID,
		Status:   OutboundPreparation,
		Comments: comments,
	}
	sh.ShipmentID = fmt.Sprintf("%s-%s", strings.ToUpper(s.cfg.LabCode), strings.ToUpper(sh.ID.String()[:8]))
	if err := s.repo.CreateOutbound(ctx, sh); err != nil {
		return nil, err
	}
	return sh, nil
}

func (s *Service) GetOutbound(ctx context.Context, id uuid.UUID) (*OutboundShipment, error) {
	return s.repo.GetOutbound(ctx, id)
}

func (s *Service) ListOutbound(ctx context.Context, limit, offset int) ([]*OutboundShipment, int, error) {
	return s.repo.ListOutbound(ctx, limit, offset)
}

func (s *Service) OutboundSamples(ctx context.Context, id uuid.UUID) ([]*sample.Sample, error) {
	return s.samples.ListByOutboundShipment(ctx, id)
}

// ResolveOutbound matches a partner-referenced outbound shipment. Partners
// identify shipments by the shipment id plus their own lab record, never by
// local UUIDs.
func (s *Service) ResolveOutbound(ctx context.Context, shipmentID string, labUID uuid.UUID) (*OutboundShipment, error) {
	return s.repo.GetOutboundByShipmentID(ctx, shipmentID, labUID)
}

// AddSample ships a sample into a shipment still being prepared.
func (s *Service) AddSample(ctx context.Context, shipmentUID, sampleUID uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, shipmentUID)
	if err != nil {
		return err
	}
	if sh.Status != OutboundPreparation && sh.Status != OutboundReady {
		return fmt.Errorf("cannot add samples to a %s shipment", sh.Status)
	}
	return s.samples.Ship(ctx, sampleUID, shipmentUID, actor)
}

// RemoveSample takes a sample off a not-yet-dispatched shipment.
func (s *Service) RemoveSample(ctx context.Context, shipmentUID, sampleUID uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, shipmentUID)
	if err != nil {
		return err
	}
	if sh.Status != OutboundPreparation && sh.Status != OutboundReady {
		return fmt.Errorf("cannot remove samples from a %s shipment", sh.Status)
	}
	return s.samples.RecoverFromShipment(ctx, sampleUID, actor)
}

// SetManifest records the generated manifest reference.
func (s *Service) SetManifest(ctx context.Context, shipmentUID uuid.UUID, manifestRef string) error {
	sh, err := s.repo.GetOutbound(ctx, shipmentUID)
	if err != nil {
		return err
	}
	sh.ManifestRef = manifestRef
	return s.repo.UpdateOutbound(ctx, sh)
}

// Finalise closes the preparation phase.
func (s *Service) Finalise(ctx context.Context, id uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionFinalise, actor)
	if err != nil {
		return err
	}
	return s.persistOutbound(ctx, sh, ev)
}

// Dispatch sends the shipment on its way and asks the reference laboratory
// to create its inbound counterpart. The notification is fire-and-record: a
// dead partner never blocks the local dispatch.
func (s *Service) Dispatch(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionDispatch, actor)
	if err != nil {
		return err
	}
	now := time.Now()
	sh.DispatchedAt = &now
	if err := s.persistOutbound(ctx, sh, ev); err != nil {
		return err
	}
	s.notifyDispatch(ctx, sh, skip)
	return nil
}

// notifyDispatch posts the inbound-shipment creation payload to the
// reference laboratory.
func (s *Service) notifyDispatch(ctx context.Context, sh *OutboundShipment, skip *notify.SkipSet) {
	if skip.Contains(sh.ID) {
		return
	}
	sess := s.connect(ctx, sh.LabUID)
	if sess == nil {
		return
	}
	items, err := s.samples.ListByOutboundShipment(ctx, sh.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("shipment", sh.ShipmentID).Msg("cannot load samples for dispatch notification")
		return
	}
	entries := make([]interface{}, 0, len(items))
	for _, smp := range items {
		analyses, err := s.samples.Analyses(ctx, smp.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("sample", smp.ClientSampleID).Msg("cannot load analyses for dispatch notification")
			return
		}
		keywords := make([]string, 0, len(analyses))
		for _, a := range analyses {
			keywords = append(keywords, a.Keyword)
		}
		entries = append(entries, map[string]interface{}{
			"id":           smp.ClientSampleID,
			"date_sampled": wire.FormatDatetime(smp.DateSampled),
			"sample_type":  smp.SampleType,
			"priority":     smp.Priority,
			"analyses":     keywords,
		})
	}
	fields := map[string]interface{}{
		"shipment_id": sh.ShipmentID,
		"dispatched":  wire.FormatDatetime(*sh.DispatchedAt),
		"samples":     entries,
	}
	sess.Notify(ctx, sh.ID, wire.ConsumerInboundShipment, fields, len(entries))
}

// MarkDelivered records that the reference laboratory received the shipment.
func (s *Service) MarkDelivered(ctx context.Context, id uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionDeliver, actor)
	if err != nil {
		return err
	}
	now := time.Now()
	sh.DeliveredAt = &now
	return s.persistOutbound(ctx, sh, ev)
}

// MarkLost records a shipment that never arrived.
func (s *Service) MarkLost(ctx context.Context, id uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionLose, actor)
	if err != nil {
		return err
	}
	now := time.Now()
	sh.LostAt = &now
	return s.persistOutbound(ctx, sh, ev)
}

// RejectOutbound rejects a dispatched shipment, rejects its shipped samples
// locally and asks the reference laboratory to mirror the rejection.
func (s *Service) RejectOutbound(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionRejectOutbound, actor)
	if err != nil {
		return err
	}
	now := time.Now()
	sh.RejectedAt = &now
	if err := s.persistOutbound(ctx, sh, ev); err != nil {
		return err
	}

	items, err := s.samples.ListByOutboundShipment(ctx, sh.ID)
	if err != nil {
		return err
	}
	for _, smp := range items {
		if err := s.samples.RemoteAction(ctx, smp, sample.ActionRejectAtReference, actor); err != nil {
			return err
		}
	}

	if sess := s.connect(ctx, sh.LabUID); sess != nil {
		item := map[string]interface{}{
			"portal_type": "inbound_shipment",
			"shipment_id": sh.ShipmentID,
		}
		sess.DoAction(ctx, sh.ID, ActionRejectInbound, item, skip)
	}
	return nil
}

// CancelOutbound cancels the shipment and restores every contained sample
// to its pre-ship state. Purely local; no partner call.
func (s *Service) CancelOutbound(ctx context.Context, id uuid.UUID, actor string) error {
	sh, err := s.repo.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.outbound.Try(ctx, sh, ActionCancelOutbound, actor)
	if err != nil {
		return err
	}
	now := time.Now()
	sh.CancelledAt = &now
	if err := s.persistOutbound(ctx, sh, ev); err != nil {
		return err
	}

	items, err := s.samples.ListByOutboundShipment(ctx, sh.ID)
	if err != nil {
		return err
	}
	for _, smp := range items {
		if err := s.samples.RecoverFromShipment(ctx, smp.ID, actor); err != nil {
			return err
		}
	}
	return nil
}

// ---- inbound ----

// CreateInbound records a shipment announced by a referring laboratory,
// together with its announced samples. Uniqueness of (shipment_id, lab) and
// of each referring id is enforced by the storage layer; duplicates surface
// as ErrDuplicateShipment / ErrDuplicateSample.
func (s *Service) CreateInbound(ctx context.Context, labUID uuid.UUID, shipmentID string, dispatched time.Time, comments string, specs []InboundSampleSpec) (*InboundShipment, error) {
	l, err := s.labs.GetLaboratory(ctx, labUID)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, fmt.Errorf("laboratory %s is not active", l.Code)
	}
	if !l.Referring {
		return nil, fmt.Errorf("laboratory %s is not a referring laboratory", l.Code)
	}
	if shipmentID == "" {
		return nil, fmt.Errorf("shipment_id is required")
	}
	for _, spec := range specs {
		if spec.ReferringID == "" || spec.SampleType == "" || spec.DateSampled.IsZero() {
			return nil, fmt.Errorf("each sample requires id, date_sampled and sample_type")
		}
	}

	sh := &InboundShipment{
		ID:           uuid.New(),
		ShipmentID:   shipmentID,
		LabUID:       labUID,
		Status:       InboundDue,
		DispatchedAt: dispatched,
		Comments:     comments,
	}
	if err := s.repo.CreateInbound(ctx, sh); err != nil {
		return nil, err
	}
	for _, spec := range specs {
		is := &InboundSample{
			ID:          uuid.New(),
			ShipmentUID: sh.ID,
			ReferringID: spec.ReferringID,
			DateSampled: spec.DateSampled,
			SampleType:  spec.SampleType,
			Priority:    spec.Priority,
			Keywords:    spec.Keywords,
			Status:      InboundSampleDue,
		}
		if err := s.repo.CreateInboundSample(ctx, is); err != nil {
			return nil, err
		}
	}
	return sh, nil
}

func (s *Service) GetInbound(ctx context.Context, id uuid.UUID) (*InboundShipment, error) {
	return s.repo.GetInbound(ctx, id)
}

func (s *Service) ListInbound(ctx context.Context, limit, offset int) ([]*InboundShipment, int, error) {
	return s.repo.ListInbound(ctx, limit, offset)
}

func (s *Service) InboundSamples(ctx context.Context, shipmentUID uuid.UUID) ([]*InboundSample, error) {
	return s.repo.ListInboundSamples(ctx, shipmentUID)
}

// ResolveInbound matches a partner-referenced inbound shipment by its
// shipment id and the referring laboratory.
func (s *Service) ResolveInbound(ctx context.Context, shipmentID string, labUID uuid.UUID) (*InboundShipment, error) {
	return s.repo.GetInboundByShipmentID(ctx, shipmentID, labUID)
}

// AllowManualInbound reports whether operators may create inbound shipments
// by hand.
func (s *Service) AllowManualInbound() bool { return s.cfg.AllowManualInbound }

// Origin resolves the partner-facing identity of an inbound shipment for
// result notifications.
func (s *Service) Origin(ctx context.Context, inboundShipmentUID uuid.UUID) (string, uuid.UUID, error) {
	sh, err := s.repo.GetInbound(ctx, inboundShipmentUID)
	if err != nil {
		return "", uuid.Nil, err
	}
	return sh.ShipmentID, sh.LabUID, nil
}

// IsReceptionQueued reports whether deferred reception is pending for the
// shipment, for the read-side "Queued" indicator.
func (s *Service) IsReceptionQueued(ctx context.Context, shipmentUID uuid.UUID) (bool, error) {
	return s.bridge.IsQueued(ctx, QueueActionReceiveSamples, shipmentUID)
}

// ReceiveInboundShipment receives the whole shipment. Announced samples
// still due are either handed to the queue as a chunked batch (queued=true)
// or received inline, after which the shipment itself transitions and the
// referring laboratory is told its shipment arrived.
func (s *Service) ReceiveInboundShipment(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) (queued bool, err error) {
	sh, err := s.repo.GetInbound(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := s.inbound.Allowed(ctx, sh, ActionReceiveInbound)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s from %q", workflow.ErrNotAllowed, ActionReceiveInbound, sh.Status)
	}

	items, err := s.repo.ListInboundSamples(ctx, sh.ID)
	if err != nil {
		return false, err
	}
	var due []uuid.UUID
	for _, is := range items {
		if is.Status == InboundSampleDue {
			due = append(due, is.ID)
		}
	}

	if len(due) > 0 && s.bridge.Enabled() {
		task, err := s.bridge.MaybeQueue(ctx, QueueActionReceiveSamples, sh.ID, due)
		if err != nil {
			return false, err
		}
		if task != nil {
			return true, nil
		}
		// an equivalent task is already pending
		return true, nil
	}

	for _, uid := range due {
		if err := s.receiveOneInboundSample(ctx, uid, actor); err != nil {
			return false, err
		}
	}
	return false, s.finalizeInboundReceipt(ctx, sh.ID, actor, skip)
}

// ReceiveInboundSample receives one announced sample and, when it was the
// last one due, completes the shipment reception.
func (s *Service) ReceiveInboundSample(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	is, err := s.repo.GetInboundSample(ctx, id)
	if err != nil {
		return err
	}
	if err := s.receiveOneInboundSample(ctx, is.ID, actor); err != nil {
		return err
	}
	return s.finalizeInboundReceipt(ctx, is.ShipmentUID, actor, skip)
}

// ProcessQueuedReception is the queue worker handler for deferred sample
// reception. The final chunk completes the shipment.
func (s *Service) ProcessQueuedReception(ctx context.Context, shipmentUID uuid.UUID, objectUIDs []uuid.UUID) error {
	for _, uid := range objectUIDs {
		if err := s.receiveOneInboundSample(ctx, uid, "queue"); err != nil {
			return err
		}
	}
	return s.finalizeInboundReceipt(ctx, shipmentUID, "queue", nil)
}

// receiveOneInboundSample creates the local counterpart of an announced
// sample and receives both. Partner sample types must have a local mapping;
// analysis keywords fall back to the partner's text when unmapped.
func (s *Service) receiveOneInboundSample(ctx context.Context, id uuid.UUID, actor string) error {
	is, err := s.repo.GetInboundSample(ctx, id)
	if err != nil {
		return err
	}
	if is.Status == InboundSampleReceived {
		return nil
	}
	sh, err := s.repo.GetInbound(ctx, is.ShipmentUID)
	if err != nil {
		return err
	}

	localType, err := s.labs.ResolveSampleType(ctx, sh.LabUID, is.SampleType)
	if err != nil {
		return err
	}
	if localType == "" {
		return fmt.Errorf("sample type %q from laboratory has no local mapping", is.SampleType)
	}
	keywords := make([]string, 0, len(is.Keywords))
	for _, kw := range is.Keywords {
		local, err := s.labs.ResolveAnalysis(ctx, sh.LabUID, kw)
		if err != nil {
			return err
		}
		if local == "" {
			local = kw
		}
		keywords = append(keywords, local)
	}

	ev, err := s.inboundSample.Try(ctx, is, ActionReceiveInboundSample, actor)
	if err != nil {
		return err
	}

	smp := &sample.Sample{
		ID:                 uuid.New(),
		ClientSampleID:     is.ReferringID,
		SampleType:         localType,
		Priority:           is.Priority,
		DateSampled:        is.DateSampled,
		InboundShipmentUID: &sh.ID,
	}
	if err := s.samples.Create(ctx, smp, keywords); err != nil {
		return err
	}
	if err := s.samples.Receive(ctx, smp.ID, actor); err != nil {
		return err
	}

	is.SampleUID = &smp.ID
	return s.persistInboundSample(ctx, is, ev)
}

// finalizeInboundReceipt transitions the shipment to received once nothing
// is due anymore, and notifies the referring laboratory that its outbound
// shipment was delivered.
func (s *Service) finalizeInboundReceipt(ctx context.Context, shipmentUID uuid.UUID, actor string, skip *notify.SkipSet) error {
	sh, err := s.repo.GetInbound(ctx, shipmentUID)
	if err != nil {
		return err
	}
	if sh.Status != InboundDue {
		return nil
	}
	items, err := s.repo.ListInboundSamples(ctx, sh.ID)
	if err != nil {
		return err
	}
	for _, is := range items {
		if is.Status == InboundSampleDue {
			// more to receive, the shipment stays due
			return nil
		}
	}

	ev, err := s.inbound.Try(ctx, sh, ActionReceiveInbound, actor)
	if err != nil {
		if errors.Is(err, workflow.ErrNotAllowed) {
			return nil
		}
		return err
	}
	if err := s.persistInbound(ctx, sh, ev); err != nil {
		return err
	}

	if sess := s.connect(ctx, sh.LabUID); sess != nil {
		item := map[string]interface{}{
			"portal_type": "outbound_shipment",
			"shipment_id": sh.ShipmentID,
		}
		sess.DoAction(ctx, sh.ID, ActionDeliver, item, skip)
	}
	return nil
}

// RejectInboundSample rejects one announced sample. Rejecting the last
// non-rejected sample cascades into rejecting the whole shipment.
func (s *Service) RejectInboundSample(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	is, err := s.repo.GetInboundSample(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.inboundSample.Try(ctx, is, ActionRejectInboundSample, actor)
	if err != nil {
		return err
	}
	if err := s.persistInboundSample(ctx, is, ev); err != nil {
		return err
	}

	siblings, err := s.repo.ListInboundSamples(ctx, is.ShipmentUID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.Status != InboundSampleRejected {
			return nil
		}
	}
	return s.RejectInboundShipment(ctx, is.ShipmentUID, actor, skip)
}

// RejectInboundShipment rejects the shipment and asks the referring
// laboratory to mirror the rejection on its outbound counterpart.
func (s *Service) RejectInboundShipment(ctx context.Context, id uuid.UUID, actor string, skip *notify.SkipSet) error {
	sh, err := s.repo.GetInbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.inbound.Try(ctx, sh, ActionRejectInbound, actor)
	if err != nil {
		return err
	}
	if err := s.persistInbound(ctx, sh, ev); err != nil {
		return err
	}

	if sess := s.connect(ctx, sh.LabUID); sess != nil {
		item := map[string]interface{}{
			"portal_type": "outbound_shipment",
			"shipment_id": sh.ShipmentID,
		}
		sess.DoAction(ctx, sh.ID, ActionRejectOutbound, item, skip)
	}
	return nil
}

// CancelInbound cancels a due inbound shipment.
func (s *Service) CancelInbound(ctx context.Context, id uuid.UUID, actor string) error {
	sh, err := s.repo.GetInbound(ctx, id)
	if err != nil {
		return err
	}
	ev, err := s.inbound.Try(ctx, sh, ActionCancelInbound, actor)
	if err != nil {
		return err
	}
	return s.persistInbound(ctx, sh, ev)
}

// ---- remote-driven actions ----

// RemoteOutboundAction applies a partner-requested action to an outbound
// shipment: the guarded transition first, then the review-history
// idempotency check, then the forced assignment. The partner's domain rules
// already validated the action on their side.
func (s *Service) RemoteOutboundAction(ctx context.Context, sh *OutboundShipment, action, actor string) error {
	ev, err := s.outbound.Try(ctx, sh, action, actor)
	if err != nil {
		if !errors.Is(err, workflow.ErrNotAllowed) {
			return err
		}
		history, herr := s.events.ListByObject(ctx, sh.ID)
		if herr != nil {
			return herr
		}
		if workflow.IsLastAction(history, action) {
			return nil
		}
		ev, err = s.outbound.Force(sh, action, actor)
		if err != nil {
			return err
		}
	}
	now := time.Now()
	switch action {
	case ActionDeliver:
		sh.DeliveredAt = &now
	case ActionLose:
		sh.LostAt = &now
	case ActionRejectOutbound:
		sh.RejectedAt = &now
	case ActionCancelOutbound:
		sh.CancelledAt = &now
	}
	return s.persistOutbound(ctx, sh, ev)
}

// RemoteInboundAction is the inbound-shipment counterpart of
// RemoteOutboundAction.
func (s *Service) RemoteInboundAction(ctx context.Context, sh *InboundShipment, action, actor string) error {
	ev, err := s.inbound.Try(ctx, sh, action, actor)
	if err != nil {
		if !errors.Is(err, workflow.ErrNotAllowed) {
			return err
		}
		history, herr := s.events.ListByObject(ctx, sh.ID)
		if herr != nil {
			return herr
		}
		if workflow.IsLastAction(history, action) {
			return nil
		}
		ev, err = s.inbound.Force(sh, action, actor)
		if err != nil {
			return err
		}
	}
	return s.persistInbound(ctx, sh, ev)
}

// History returns a shipment's review history.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]workflow.Event, error) {
	return s.events.ListByObject(ctx, id)
}

// ---- persistence helpers ----

func (s *Service) persistOutbound(ctx context.Context, sh *OutboundShipment, ev *workflow.Event) error {
	sh.UpdatedAt = time.Now()
	if err := s.repo.UpdateOutbound(ctx, sh); err != nil {
		return err
	}
	return s.events.Append(ctx, ev)
}

func (s *Service) persistInbound(ctx context.Context, sh *InboundShipment, ev *workflow.Event) error {
	sh.UpdatedAt = time.Now()
	if err := s.repo.UpdateInbound(ctx, sh); err != nil {
		return err
	}
	return s.events.Append(ctx, ev)
}

func (s *Service) persistInboundSample(ctx context.Context, is *InboundSample, ev *workflow.Event) error {
	is.UpdatedAt = time.Now()
	if err := s.repo.UpdateInboundSample(ctx, is); err != nil {
		return err
	}
	return s.events.Append(ctx, ev)
}

func (s *Service) connect(ctx context.Context, labUID uuid.UUID) *notify.Session {
	l, err := s.labs.GetLaboratory(ctx, labUID)
	if err != nil {
		s.logger.Error().Err(err).Str("lab_uid", labUID.String()).Msg("cannot load laboratory for notification")
		return nil
	}
	return s.notifier.Connect(s.labs.Destination(l))
}
