// Package push processes the POSTs partner laboratories send to /push. Each
// request carries a consumer identifier and a lab_code; the consumer never
// trusts remote object UIDs and resolves every referenced object through its
// partner-facing identity before acting on it.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/domain/sample"
	"github.com/referral/referral/internal/domain/shipment"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/internal/platform/workflow"
)

// Portal types partners use to identify object kinds in action items.
const (
	PortalInboundShipment  = "inbound_shipment"
	PortalOutboundShipment = "outbound_shipment"
	PortalSample           = "sample"
)

type dispatchKey struct {
	PortalType string
	Action     string
}

type itemHandler func(ctx context.Context, l *lab.Laboratory, item wire.Payload, actor string, skip *notify.SkipSet) error

// Consumer applies partner-pushed payloads to local objects.
type Consumer struct {
	labs      *lab.Service
	samples   *sample.Service
	shipments *shipment.Service
	logger    zerolog.Logger

	// handlers maps (portal_type, action) to specialized handlers; anything
	// not listed goes through the generic transition-or-force path.
	handlers map[dispatchKey]itemHandler
}

func NewConsumer(labs *lab.Service, samples *sample.Service, shipments *shipment.Service, logger zerolog.Logger) *Consumer {
	c := &Consumer{
		labs:      labs,
		samples:   samples,
		shipments: shipments,
		logger:    logger.With().Str("component", "push").Logger(),
	}
	c.handlers = map[dispatchKey]itemHandler{
		{PortalInboundShipment, shipment.ActionRejectInbound}:   c.rejectInboundShipment,
		{PortalOutboundShipment, shipment.ActionRejectOutbound}: c.rejectOutboundShipment,
		{PortalSample, sample.ActionInvalidateAtRef}:            c.invalidateSample,
	}
	return c
}

// Process applies one inbound POST. The skip set created here suppresses
// return notifications for every object this request touches, which is what
// breaks the notification loop between cooperating instances.
func (c *Consumer) Process(ctx context.Context, p wire.Payload) error {
	consumer := p.String("consumer")
	labCode := p.String("lab_code")
	if labCode == "" {
		return missingField("lab_code")
	}

	switch consumer {
	case wire.ConsumerInboundShipment:
		l, err := c.resolveLab(ctx, labCode, roleReferring)
		if err != nil {
			return err
		}
		return c.createInboundShipment(ctx, l, p)
	case wire.ConsumerOutboundSample:
		l, err := c.resolveLab(ctx, labCode, roleReference)
		if err != nil {
			return err
		}
		return c.applySampleResults(ctx, l, p)
	case wire.ConsumerGeneric, "":
		return c.processActions(ctx, labCode, p)
	default:
		return fmt.Errorf("%w: consumer %q", ErrUnsupportedType, consumer)
	}
}

type labRole int

const (
	roleAny labRole = iota
	roleReferring
	roleReference
)

func (c *Consumer) resolveLab(ctx context.Context, labCode string, role labRole) (*lab.Laboratory, error) {
	l, err := c.labs.GetByCode(ctx, labCode)
	if err != nil {
		if errors.Is(err, lab.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLabNotFound, labCode)
		}
		return nil, err
	}
	if !l.Active {
		return nil, fmt.Errorf("%w: %s", ErrLabInactive, labCode)
	}
	switch role {
	case roleReferring:
		if !l.Referring {
			return nil, fmt.Errorf("%w: %s is not a referring laboratory", ErrLabNotAuthorized, labCode)
		}
	case roleReference:
		if !l.Reference {
			return nil, fmt.Errorf("%w: %s is not a reference laboratory", ErrLabNotAuthorized, labCode)
		}
	}
	return l, nil
}

// roleForPortalType maps an action item's object kind to the role the sender
// must hold: partners act on our inbound shipments only as the lab that sent
// them, and on our outbound shipments and referred samples only as the lab
// processing them.
func roleForPortalType(portalType string) (labRole, error) {
	switch portalType {
	case PortalInboundShipment:
		return roleReferring, nil
	case PortalOutboundShipment, PortalSample:
		return roleReference, nil
	default:
		return roleAny, fmt.Errorf("%w: %q", ErrUnsupportedType, portalType)
	}
}

// ---- generic action payloads ----

func (c *Consumer) processActions(ctx context.Context, labCode string, p wire.Payload) error {
	action := strings.ToLower(p.String("action"))
	if _, ok := p["action"]; !ok {
		return missingField("action")
	}
	if action == "" {
		return emptyField("action")
	}
	items := p.List("items")
	if len(items) == 0 {
		return emptyField("items")
	}

	actor := "push:" + labCode
	skip := notify.NewSkipSet()
	for _, raw := range items {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: items must be objects", ErrEmptyField)
		}
		item := wire.Payload(m)
		portalType := strings.ToLower(item.String("portal_type"))
		if portalType == "" {
			return missingField("portal_type")
		}
		role, err := roleForPortalType(portalType)
		if err != nil {
			return err
		}
		l, err := c.resolveLab(ctx, labCode, role)
		if err != nil {
			return err
		}

		if h, ok := c.handlers[dispatchKey{portalType, action}]; ok {
			err = h(ctx, l, item, actor, skip)
		} else {
			err = c.doAction(ctx, l, portalType, action, item, actor, skip)
		}
		if err != nil {
			return err
		}
		c.logger.Info().Str("lab", labCode).Str("action", action).
			Str("portal_type", portalType).Msg("remote action applied")
	}
	return nil
}

// doAction is the generic transition-or-force path: resolve the object by its
// partner-facing identity, register it in the skip set, then let the domain
// service run the guarded transition with its idempotency and force
// fallbacks.
func (c *Consumer) doAction(ctx context.Context, l *lab.Laboratory, portalType, action string, item wire.Payload, actor string, skip *notify.SkipSet) error {
	switch portalType {
	case PortalOutboundShipment:
		sh, err := c.resolveOutbound(ctx, l, item)
		if err != nil {
			return err
		}
		skip.Add(sh.ID)
		return c.shipments.RemoteOutboundAction(ctx, sh, action, actor)
	case PortalInboundShipment:
		sh, err := c.resolveInbound(ctx, l, item)
		if err != nil {
			return err
		}
		skip.Add(sh.ID)
		return c.shipments.RemoteInboundAction(ctx, sh, action, actor)
	case PortalSample:
		smp, err := c.resolveSample(ctx, item)
		if err != nil {
			return err
		}
		skip.Add(smp.ID)
		return c.samples.RemoteAction(ctx, smp, action, actor)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, portalType)
	}
}

// rejectInboundShipment handles a referring laboratory rejecting its own
// dispatched shipment: the local inbound counterpart rejects too, without
// echoing the rejection back.
func (c *Consumer) rejectInboundShipment(ctx context.Context, l *lab.Laboratory, item wire.Payload, actor string, skip *notify.SkipSet) error {
	sh, err := c.resolveInbound(ctx, l, item)
	if err != nil {
		return err
	}
	skip.Add(sh.ID)
	err = c.shipments.RejectInboundShipment(ctx, sh.ID, actor, skip)
	if err == nil || !errors.Is(err, workflow.ErrNotAllowed) {
		return err
	}
	return c.shipments.RemoteInboundAction(ctx, sh, shipment.ActionRejectInbound, actor)
}

// rejectOutboundShipment handles a reference laboratory refusing a shipment:
// the local outbound counterpart rejects together with its samples, without
// echoing back.
func (c *Consumer) rejectOutboundShipment(ctx context.Context, l *lab.Laboratory, item wire.Payload, actor string, skip *notify.SkipSet) error {
	sh, err := c.resolveOutbound(ctx, l, item)
	if err != nil {
		return err
	}
	skip.Add(sh.ID)
	err = c.shipments.RejectOutbound(ctx, sh.ID, actor, skip)
	if err == nil || !errors.Is(err, workflow.ErrNotAllowed) {
		return err
	}
	return c.shipments.RemoteOutboundAction(ctx, sh, shipment.ActionRejectOutbound, actor)
}

// invalidateSample handles a reference laboratory invalidating a referred
// sample after verification: the local sample is invalidated and a retest
// with the same client sample id takes its place in the resolution chain.
func (c *Consumer) invalidateSample(ctx context.Context, l *lab.Laboratory, item wire.Payload, actor string, skip *notify.SkipSet) error {
	smp, err := c.resolveSample(ctx, item)
	if err != nil {
		return err
	}
	skip.Add(smp.ID)
	_, err = c.samples.InvalidateAtReference(ctx, smp.ID, actor, skip)
	if err == nil || !errors.Is(err, workflow.ErrNotAllowed) {
		return err
	}
	return c.samples.RemoteAction(ctx, smp, sample.ActionInvalidateAtRef, actor)
}

// ---- object resolution ----

func (c *Consumer) resolveOutbound(ctx context.Context, l *lab.Laboratory, item wire.Payload) (*shipment.OutboundShipment, error) {
	shipmentID := item.String("shipment_id")
	if shipmentID == "" {
		return nil, missingField("shipment_id")
	}
	return c.shipments.ResolveOutbound(ctx, shipmentID, l.ID)
}

func (c *Consumer) resolveInbound(ctx context.Context, l *lab.Laboratory, item wire.Payload) (*shipment.InboundShipment, error) {
	shipmentID := item.String("shipment_id")
	if shipmentID == "" {
		return nil, missingField("shipment_id")
	}
	return c.shipments.ResolveInbound(ctx, shipmentID, l.ID)
}

func (c *Consumer) resolveSample(ctx context.Context, item wire.Payload) (*sample.Sample, error) {
	id := item.String("id")
	if id == "" {
		// Result payloads and older senders identify the sample by the
		// referring laboratory's original id.
		id = item.String("referring_id")
	}
	if id == "" {
		return nil, missingField("id")
	}
	return c.samples.Resolve(ctx, id)
}

// ---- inbound shipment creation ----

func (c *Consumer) createInboundShipment(ctx context.Context, l *lab.Laboratory, p wire.Payload) error {
	shipmentID := p.String("shipment_id")
	if shipmentID == "" {
		return missingField("shipment_id")
	}
	dispatchedRaw := p.String("dispatched")
	if dispatchedRaw == "" {
		return missingField("dispatched")
	}
	dispatched, err := wire.ParseDatetime(dispatchedRaw)
	if err != nil {
		return fmt.Errorf("%w: dispatched: %v", ErrEmptyField, err)
	}
	entries := p.List("samples")
	if len(entries) == 0 {
		return emptyField("samples")
	}

	specs := make([]shipment.InboundSampleSpec, 0, len(entries))
	for _, raw := range entries {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: samples must be objects", ErrEmptyField)
		}
		entry := wire.Payload(m)
		id := entry.String("id")
		if id == "" {
			return missingField("samples[].id")
		}
		sampleType := entry.String("sample_type")
		if sampleType == "" {
			return missingField("samples[].sample_type")
		}
		sampledRaw := entry.String("date_sampled")
		if sampledRaw == "" {
			return missingField("samples[].date_sampled")
		}
		sampled, err := wire.ParseDatetime(sampledRaw)
		if err != nil {
			return fmt.Errorf("%w: samples[].date_sampled: %v", ErrEmptyField, err)
		}
		specs = append(specs, shipment.InboundSampleSpec{
			ReferringID: id,
			DateSampled: sampled,
			SampleType:  sampleType,
			Priority:    entry.String("priority"),
			Keywords:    entry.StringList("analyses"),
		})
	}

	_, err = c.shipments.CreateInbound(ctx, l.ID, shipmentID, dispatched, p.String("comments"), specs)
	if err != nil {
		return err
	}
	c.logger.Info().Str("lab", l.Code).Str("shipment_id", shipmentID).
		Int("samples", len(specs)).Msg("inbound shipment created from push")
	return nil
}

// ---- referred sample results ----

func (c *Consumer) applySampleResults(ctx context.Context, l *lab.Laboratory, p wire.Payload) error {
	block := p.SubPayload("sample")
	if block == nil {
		return missingField("sample")
	}
	referringID := block.String("referring_id")
	if referringID == "" {
		return missingField("sample.referring_id")
	}
	smp, err := c.samples.Resolve(ctx, referringID)
	if err != nil {
		return err
	}

	entries := block.List("analyses")
	results := make([]sample.AnalysisResult, 0, len(entries))
	for _, raw := range entries {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: sample.analyses must be objects", ErrEmptyField)
		}
		entry := wire.Payload(m)
		keyword := entry.String("keyword")
		if keyword == "" {
			return missingField("sample.analyses[].keyword")
		}
		res := sample.AnalysisResult{
			Keyword:         keyword,
			FormattedResult: entry.String("formatted_result"),
			Instrument:      entry.String("instrument"),
			Method:          entry.String("method"),
			Analysts:        parseIdentities(entry.List("analysts")),
			Verifiers:       parseIdentities(entry.List("verifiers")),
		}
		if ds := entry.String("result_date"); ds != "" {
			t, err := wire.ParseDatetime(ds)
			if err == nil {
				res.ResultDate = &t
			}
		}
		results = append(results, res)
	}

	actor := "push:" + l.Code
	if err := c.samples.ApplyReferredResults(ctx, smp, results, actor); err != nil {
		return err
	}
	c.logger.Info().Str("lab", l.Code).Str("sample", referringID).
		Int("analyses", len(results)).Msg("referred results applied from push")
	return nil
}

func parseIdentities(list []interface{}) []sample.RemoteIdentity {
	var out []sample.RemoteIdentity
	for _, raw := range list {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		entry := wire.Payload(m)
		out = append(out, sample.RemoteIdentity{
			UserID:   entry.String("userid"),
			Username: entry.String("username"),
			Email:    entry.String("email"),
			FullName: entry.String("fullname"),
			LabCode:  entry.String("lab_code"),
		})
	}
	return out
}
