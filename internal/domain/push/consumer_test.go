package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/domain/sample"
	"github.com/referral/referral/internal/domain/shipment"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/internal/platform/queue"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/internal/platform/workflow"
)

type mockShipmentRepo struct {
	outbound       map[uuid.UUID]*shipment.OutboundShipment
	inbound        map[uuid.UUID]*shipment.InboundShipment
	inboundSamples map[uuid.UUID]*shipment.InboundSample
}

func newMockShipmentRepo() *mockShipmentRepo {
	return &mockShipmentRepo{
		outbound:       make(map[uuid.UUID]*shipment.OutboundShipment),
		inbound:        make(map[uuid.UUID]*shipment.InboundShipment),
		inboundSamples: make(map[uuid.UUID]*shipment.InboundSample),
	}
}

func (m *mockShipmentRepo) CreateOutbound(_ context.Context, s *shipment.OutboundShipment) error {
	cp := *s
	m.outbound[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) GetOutbound(_ context.Context, id uuid.UUID) (*shipment.OutboundShipment, error) {
	s, ok := m.outbound[id]
	if !ok {
		return nil, shipment.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockShipmentRepo) GetOutboundByShipmentID(_ context.Context, shipmentID string, labUID uuid.UUID) (*shipment.OutboundShipment, error) {
	for _, s := range m.outbound {
		if s.ShipmentID == shipmentID && s.LabUID == labUID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, shipment.ErrNotFound
}

func (m *mockShipmentRepo) UpdateOutbound(_ context.Context, s *shipment.OutboundShipment) error {
	cp := *s
	m.outbound[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) ListOutbound(_ context.Context, limit, offset int) ([]*shipment.OutboundShipment, int, error) {
	return nil, 0, nil
}

func (m *mockShipmentRepo) CreateInbound(_ context.Context, s *shipment.InboundShipment) error {
	for _, other := range m.inbound {
		if other.ShipmentID == s.ShipmentID && other.LabUID == s.LabUID {
			return shipment.ErrDuplicateShipment
		}
	}
	cp := *s
	m.inbound[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) GetInbound(_ context.Context, id uuid.UUID) (*shipment.InboundShipment, error) {
	s, ok := m.inbound[id]
	if !ok {
		return nil, shipment.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockShipmentRepo) GetInboundByShipmentID(_ context.Context, shipmentID string, labUID uuid.UUID) (*shipment.InboundShipment, error) {
	for _, s := range m.inbound {
		if s.ShipmentID == shipmentID && s.LabUID == labUID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, shipment.ErrNotFound
}

func (m *mockShipmentRepo) UpdateInbound(_ context.Context, s *shipment.InboundShipment) error {
	cp := *s
	m.inbound[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) ListInbound(_ context.Context, limit, offset int) ([]*shipment.InboundShipment, int, error) {
	return nil, 0, nil
}

func (m *mockShipmentRepo) CreateInboundSample(_ context.Context, s *shipment.InboundSample) error {
	for _, other := range m.inboundSamples {
		if other.ReferringID == s.ReferringID {
			return shipment.ErrDuplicateSample
		}
	}
	cp := *s
	m.inboundSamples[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) GetInboundSample(_ context.Context, id uuid.UUID) (*shipment.InboundSample, error) {
	s, ok := m.inboundSamples[id]
	if !ok {
		return nil, shipment.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockShipmentRepo) GetInboundSampleByReferringID(_ context.Context, referringID string) (*shipment.InboundSample, error) {
	for _, s := range m.inboundSamples {
		if s.ReferringID == referringID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, shipment.ErrNotFound
}

func (m *mockShipmentRepo) UpdateInboundSample(_ context.Context, s *shipment.InboundSample) error {
	cp := *s
	m.inboundSamples[s.ID] = &cp
	return nil
}

func (m *mockShipmentRepo) ListInboundSamples(_ context.Context, shipmentUID uuid.UUID) ([]*shipment.InboundSample, error) {
	var out []*shipment.InboundSample
	for _, s := range m.inboundSamples {
		if s.ShipmentUID == shipmentUID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockSampleRepo struct {
	samples  map[uuid.UUID]*sample.Sample
	analyses map[uuid.UUID]*sample.Analysis
}

func newMockSampleRepo() *mockSampleRepo {
	return &mockSampleRepo{
		samples:  make(map[uuid.UUID]*sample.Sample),
		analyses: make(map[uuid.UUID]*sample.Analysis),
	}
}

func (m *mockSampleRepo) Create(_ context.Context, s *sample.Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.samples[s.ID] = &cp
	return nil
}

func (m *mockSampleRepo) GetByID(_ context.Context, id uuid.UUID) (*sample.Sample, error) {
	s, ok := m.samples[id]
	if !ok {
		return nil, sample.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSampleRepo) Update(_ context.Context, s *sample.Sample) error {
	cp := *s
	m.samples[s.ID] = &cp
	return nil
}

func (m *mockSampleRepo) List(_ context.Context, limit, offset int) ([]*sample.Sample, int, error) {
	return nil, 0, nil
}

func (m *mockSampleRepo) ListByOutboundShipment(_ context.Context, shipmentUID uuid.UUID) ([]*sample.Sample, error) {
	var out []*sample.Sample
	for _, s := range m.samples {
		if s.OutboundShipmentUID != nil && *s.OutboundShipmentUID == shipmentUID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSampleRepo) ListByClientSampleID(_ context.Context, clientSampleID string) ([]*sample.Sample, error) {
	var out []*sample.Sample
	for _, s := range m.samples {
		if s.ClientSampleID == clientSampleID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSampleRepo) CreateAnalysis(_ context.Context, a *sample.Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.analyses[a.ID] = &cp
	return nil
}

func (m *mockSampleRepo) UpdateAnalysis(_ context.Context, a *sample.Analysis) error {
	cp := *a
	m.analyses[a.ID] = &cp
	return nil
}

func (m *mockSampleRepo) ListAnalyses(_ context.Context, sampleUID uuid.UUID) ([]*sample.Analysis, error) {
	var out []*sample.Analysis
	for _, a := range m.analyses {
		if a.SampleUID == sampleUID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockEvents struct {
	events []workflow.Event
}

func (m *mockEvents) Append(_ context.Context, ev *workflow.Event) error {
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockEvents) ListByObject(_ context.Context, objectUID uuid.UUID) ([]workflow.Event, error) {
	var out []workflow.Event
	for _, ev := range m.events {
		if ev.ObjectUID == objectUID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEvents) LastByObject(_ context.Context, objectUID uuid.UUID) (*workflow.Event, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].ObjectUID == objectUID {
			ev := m.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

type mockLabRepo struct {
	labs map[uuid.UUID]*lab.Laboratory
}

func (m *mockLabRepo) Create(_ context.Context, l *lab.Laboratory) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.labs[l.ID] = l
	return nil
}

func (m *mockLabRepo) GetByID(_ context.Context, id uuid.UUID) (*lab.Laboratory, error) {
	l, ok := m.labs[id]
	if !ok {
		return nil, lab.ErrNotFound
	}
	return l, nil
}

func (m *mockLabRepo) GetByCode(_ context.Context, code string) (*lab.Laboratory, error) {
	for _, l := range m.labs {
		if l.Code == code {
			return l, nil
		}
	}
	return nil, lab.ErrNotFound
}

func (m *mockLabRepo) Update(_ context.Context, l *lab.Laboratory) error { return nil }
func (m *mockLabRepo) List(_ context.Context, limit, offset int) ([]*lab.Laboratory, int, error) {
	return nil, 0, nil
}
func (m *mockLabRepo) AddMapping(_ context.Context, mp *lab.Mapping) error { return nil }
func (m *mockLabRepo) DeleteMapping(_ context.Context, id uuid.UUID) error { return nil }
func (m *mockLabRepo) ListMappings(_ context.Context, labID uuid.UUID) ([]*lab.Mapping, error) {
	return nil, nil
}
func (m *mockLabRepo) ResolveMapping(_ context.Context, labID uuid.UUID, kind, remoteText string) (string, error) {
	return "", nil
}

type mockRecordStore struct {
	records []*notify.Record
}

func (m *mockRecordStore) Append(_ context.Context, rec *notify.Record) error {
	m.records = append(m.records, rec)
	return nil
}
func (m *mockRecordStore) Get(_ context.Context, id uuid.UUID) (*notify.Record, error) {
	return nil, errors.New("not found")
}
func (m *mockRecordStore) ListByObject(_ context.Context, objectUID uuid.UUID, limit, offset int) ([]*notify.Record, int, error) {
	return nil, 0, nil
}
func (m *mockRecordStore) LastByObject(_ context.Context, objectUID uuid.UUID) (*notify.Record, error) {
	return nil, nil
}

type mockQueueRepo struct{}

func (m *mockQueueRepo) Enqueue(_ context.Context, task *queue.Task) (bool, error) {
	return true, nil
}
func (m *mockQueueRepo) Claim(_ context.Context, limit int) ([]*queue.Task, error) {
	return nil, nil
}
func (m *mockQueueRepo) Requeue(_ context.Context, id uuid.UUID, remaining []uuid.UUID, runAfter time.Time) error {
	return nil
}
func (m *mockQueueRepo) MarkDone(_ context.Context, id uuid.UUID) error { return nil }
func (m *mockQueueRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return nil
}
func (m *mockQueueRepo) IsQueued(_ context.Context, action string, contextUID uuid.UUID) (bool, error) {
	return false, nil
}
func (m *mockQueueRepo) List(_ context.Context, limit, offset int) ([]*queue.Task, int, error) {
	return nil, 0, nil
}

type env struct {
	shipmentRepo *mockShipmentRepo
	sampleRepo   *mockSampleRepo
	labRepo      *mockLabRepo
	events       *mockEvents
	records      *mockRecordStore
	samples      *sample.Service
	shipments    *shipment.Service
	consumer     *Consumer
}

func newEnv() *env {
	shipmentRepo := newMockShipmentRepo()
	sampleRepo := newMockSampleRepo()
	labRepo := &mockLabRepo{labs: make(map[uuid.UUID]*lab.Laboratory)}
	events := &mockEvents{}
	records := &mockRecordStore{}

	labs := lab.NewService(labRepo)
	client := notify.NewClient(notify.Config{LabCode: "LAB1"}, records, zerolog.Nop())
	samples := sample.NewService(sampleRepo, events, labs, client, zerolog.Nop())
	bridge := queue.NewBridge(queue.Config{}, &mockQueueRepo{}, zerolog.Nop())
	shipments := shipment.NewService(shipment.Config{LabCode: "LAB1"}, shipmentRepo, events, labs, samples, client, bridge, zerolog.Nop())
	samples.SetOriginResolver(shipments)
	consumer := NewConsumer(labs, samples, shipments, zerolog.Nop())

	return &env{
		shipmentRepo: shipmentRepo,
		sampleRepo:   sampleRepo,
		labRepo:      labRepo,
		events:       events,
		records:      records,
		samples:      samples,
		shipments:    shipments,
		consumer:     consumer,
	}
}

func (e *env) addLab(code string, referring, reference bool) *lab.Laboratory {
	l := &lab.Laboratory{
		ID:        uuid.New(),
		Code:      code,
		Title:     code,
		Active:    true,
		Referring: referring,
		Reference: reference,
		URL:       "https://partner.example.com",
		Username:  "u",
		Password:  "p",
	}
	e.labRepo.labs[l.ID] = l
	return l
}

// encoded mimics the sender side of the wire format, where non-string values
// travel JSON-encoded into strings.
func encoded(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestProcess_RequiresLabCode(t *testing.T) {
	e := newEnv()
	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"action":   "deliver_outbound_shipment",
	})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestProcess_RequiresAction(t *testing.T) {
	e := newEnv()
	e.addLab("REF1", false, true)
	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "REF1",
	})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestProcess_LabValidation(t *testing.T) {
	e := newEnv()

	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerInboundShipment,
		"lab_code": "NOPE",
	})
	if !errors.Is(err, ErrLabNotFound) {
		t.Fatalf("expected ErrLabNotFound, got %v", err)
	}

	inactive := e.addLab("OFF1", true, false)
	inactive.Active = false
	err = e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerInboundShipment,
		"lab_code": "OFF1",
	})
	if !errors.Is(err, ErrLabInactive) {
		t.Fatalf("expected ErrLabInactive, got %v", err)
	}

	// a reference-only lab cannot announce inbound shipments
	e.addLab("REF1", false, true)
	err = e.consumer.Process(context.Background(), wire.Payload{
		"consumer":    wire.ConsumerInboundShipment,
		"lab_code":    "REF1",
		"shipment_id": "REF1-001",
	})
	if !errors.Is(err, ErrLabNotAuthorized) {
		t.Fatalf("expected ErrLabNotAuthorized, got %v", err)
	}
}

func TestProcess_CreateInboundShipment(t *testing.T) {
	e := newEnv()
	referring := e.addLab("EXT1", true, false)

	samples := []map[string]interface{}{
		{"id": "S1", "date_sampled": "2026-08-29T10:00:00", "sample_type": "Whole Blood", "priority": "high", "analyses": []string{"HIVVL"}},
		{"id": "S2", "date_sampled": "2026-08-29T11:30:00", "sample_type": "Whole Blood"},
	}
	payload := wire.Payload{
		"consumer":    wire.ConsumerInboundShipment,
		"lab_code":    "EXT1",
		"shipment_id": "EXT1-001",
		"dispatched":  "2026-08-30T08:00:00",
		"samples":     encoded(t, samples),
	}

	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	sh, err := e.shipments.ResolveInbound(context.Background(), "EXT1-001", referring.ID)
	if err != nil {
		t.Fatalf("inbound shipment not created: %v", err)
	}
	if sh.Status != shipment.InboundDue {
		t.Errorf("expected due shipment, got %q", sh.Status)
	}
	items, _ := e.shipmentRepo.ListInboundSamples(context.Background(), sh.ID)
	if len(items) != 2 {
		t.Fatalf("expected two announced samples, got %d", len(items))
	}

	// a retried POST for the same shipment is rejected, not duplicated
	err = e.consumer.Process(context.Background(), payload)
	if !errors.Is(err, shipment.ErrDuplicateShipment) {
		t.Fatalf("expected ErrDuplicateShipment on replay, got %v", err)
	}
}

func TestProcess_CreateInboundShipment_FieldValidation(t *testing.T) {
	e := newEnv()
	e.addLab("EXT1", true, false)

	cases := []wire.Payload{
		{"consumer": wire.ConsumerInboundShipment, "lab_code": "EXT1"},
		{"consumer": wire.ConsumerInboundShipment, "lab_code": "EXT1", "shipment_id": "X-1"},
		{"consumer": wire.ConsumerInboundShipment, "lab_code": "EXT1", "shipment_id": "X-1", "dispatched": "2026-08-30T08:00:00"},
		{"consumer": wire.ConsumerInboundShipment, "lab_code": "EXT1", "shipment_id": "X-1", "dispatched": "2026-08-30T08:00:00",
			"samples": `[{"id":"S1","sample_type":"Blood"}]`},
	}
	for i, p := range cases {
		err := e.consumer.Process(context.Background(), p)
		if !errors.Is(err, ErrMissingField) && !errors.Is(err, ErrEmptyField) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func dispatchedOutbound(t *testing.T, e *env, labUID uuid.UUID) *shipment.OutboundShipment {
	t.Helper()
	ctx := context.Background()
	sh, err := e.shipments.CreateOutbound(ctx, labUID, "")
	if err != nil {
		t.Fatal(err)
	}
	smp := &sample.Sample{ClientSampleID: "CS-001", SampleType: "blood", DateSampled: time.Now()}
	if err := e.samples.Create(ctx, smp, []string{"HIVVL"}); err != nil {
		t.Fatal(err)
	}
	if err := e.samples.Receive(ctx, smp.ID, "clerk"); err != nil {
		t.Fatal(err)
	}
	if err := e.samples.Ship(ctx, smp.ID, sh.ID, "clerk"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.shipmentRepo.GetOutbound(ctx, sh.ID)
	got.ManifestRef = "manifest.pdf"
	got.Status = shipment.OutboundDispatched
	now := time.Now()
	got.DispatchedAt = &now
	if err := e.shipmentRepo.UpdateOutbound(ctx, got); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestProcess_GenericDeliverOutbound(t *testing.T) {
	e := newEnv()
	ref := e.addLab("REF1", false, true)
	sh := dispatchedOutbound(t, e, ref.ID)

	payload := wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "REF1",
		"action":   shipment.ActionDeliver,
		"items":    encoded(t, []map[string]interface{}{{"portal_type": "outbound_shipment", "shipment_id": sh.ShipmentID}}),
	}
	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	got, _ := e.shipmentRepo.GetOutbound(context.Background(), sh.ID)
	if got.Status != shipment.OutboundDelivered {
		t.Errorf("expected delivered, got %q", got.Status)
	}
	if got.DeliveredAt == nil {
		t.Error("expected delivery timestamp")
	}

	// replayed POST: success, no duplicate event
	before := len(e.events.events)
	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatalf("replay must succeed: %v", err)
	}
	if len(e.events.events) != before {
		t.Errorf("replay appended %d events", len(e.events.events)-before)
	}
}

func TestProcess_RejectInbound_NoEcho(t *testing.T) {
	e := newEnv()
	referring := e.addLab("EXT1", true, false)
	sh, err := e.shipments.CreateInbound(context.Background(), referring.ID, "EXT1-001", time.Now(), "",
		[]shipment.InboundSampleSpec{{ReferringID: "S1", DateSampled: time.Now(), SampleType: "Blood"}})
	if err != nil {
		t.Fatal(err)
	}

	payload := wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "EXT1",
		"action":   shipment.ActionRejectInbound,
		"items":    encoded(t, []map[string]interface{}{{"portal_type": "inbound_shipment", "shipment_id": "EXT1-001"}}),
	}
	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	got, _ := e.shipmentRepo.GetInbound(context.Background(), sh.ID)
	if got.Status != shipment.InboundRejected {
		t.Errorf("expected rejected, got %q", got.Status)
	}
	if len(e.records.records) != 0 {
		t.Errorf("partner-driven rejection must not echo back, got %d records", len(e.records.records))
	}
}

func TestProcess_UnsupportedPortalType(t *testing.T) {
	e := newEnv()
	e.addLab("REF1", false, true)

	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "REF1",
		"action":   "deliver_outbound_shipment",
		"items":    encoded(t, []map[string]interface{}{{"portal_type": "client", "id": "X"}}),
	})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestProcess_OutboundSampleResults(t *testing.T) {
	e := newEnv()
	ref := e.addLab("REF1", false, true)
	sh := dispatchedOutbound(t, e, ref.ID)

	block := map[string]interface{}{
		"referring_id": "CS-001",
		"shipment_id":  sh.ShipmentID,
		"analyses": []map[string]interface{}{
			{
				"keyword":          "HIVVL",
				"formatted_result": "250 copies/mL",
				"result_date":      "2026-08-30T15:00:00",
				"instrument":       "Cobas 6800",
				"method":           "RT-PCR",
				"analysts":         []map[string]interface{}{{"userid": "jd", "username": "jdoe", "lab_code": "REF1"}},
				"verifiers":        []map[string]interface{}{{"userid": "ms", "username": "msmith"}},
			},
		},
	}
	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerOutboundSample,
		"lab_code": "REF1",
		"sample":   encoded(t, block),
	})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := e.samples.Resolve(context.Background(), "CS-001")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != sample.StateVerified {
		t.Errorf("expected verified sample, got %q", resolved.Status)
	}
	analyses, _ := e.sampleRepo.ListAnalyses(context.Background(), resolved.ID)
	if len(analyses) != 1 {
		t.Fatalf("expected one analysis, got %d", len(analyses))
	}
	a := analyses[0]
	if a.Result != "250 copies/mL" || a.ReferenceInstrument != "Cobas 6800" || a.ReferenceMethod != "RT-PCR" {
		t.Errorf("result fields not applied: %+v", a)
	}
	if a.ResultDate == nil {
		t.Error("expected result date parsed")
	}
	if len(a.ReferenceAnalysts) != 1 || a.ReferenceAnalysts[0].Username != "jdoe" {
		t.Errorf("analysts not captured: %+v", a.ReferenceAnalysts)
	}
	if len(a.ReferenceVerifiers) != 1 || a.ReferenceVerifiers[0].Username != "msmith" {
		t.Errorf("verifiers not captured: %+v", a.ReferenceVerifiers)
	}
}

func TestProcess_GenericSampleReject_NoEcho(t *testing.T) {
	e := newEnv()
	ref := e.addLab("REF1", false, true)
	sh := dispatchedOutbound(t, e, ref.ID)

	payload := wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "REF1",
		"action":   sample.ActionRejectAtReference,
		"items": encoded(t, []map[string]interface{}{
			{"portal_type": "sample", "id": "CS-001", "shipment_id": sh.ShipmentID},
		}),
	}
	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	got, err := e.samples.Resolve(context.Background(), "CS-001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sample.StateRejected {
		t.Errorf("expected rejected sample, got %q", got.Status)
	}
	if len(e.records.records) != 0 {
		t.Errorf("partner-driven rejection must not echo back, got %d records", len(e.records.records))
	}
}

func TestProcess_GenericSampleAddressedByReferringID(t *testing.T) {
	e := newEnv()
	ref := e.addLab("REF1", false, true)
	sh := dispatchedOutbound(t, e, ref.ID)

	// older senders key the item by referring_id instead of id
	payload := wire.Payload{
		"consumer": wire.ConsumerGeneric,
		"lab_code": "REF1",
		"action":   sample.ActionRejectAtReference,
		"items": encoded(t, []map[string]interface{}{
			{"portal_type": "sample", "referring_id": "CS-001", "shipment_id": sh.ShipmentID},
		}),
	}
	if err := e.consumer.Process(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	got, err := e.samples.Resolve(context.Background(), "CS-001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sample.StateRejected {
		t.Errorf("expected rejected sample, got %q", got.Status)
	}
}

func TestProcess_SampleResolutionErrors(t *testing.T) {
	e := newEnv()
	e.addLab("REF1", false, true)

	err := e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerOutboundSample,
		"lab_code": "REF1",
		"sample":   `{"referring_id":"UNKNOWN","analyses":[]}`,
	})
	if !errors.Is(err, sample.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}

	for i := 0; i < 2; i++ {
		smp := &sample.Sample{ClientSampleID: "DUP-1", SampleType: "blood", DateSampled: time.Now()}
		if err := e.samples.Create(context.Background(), smp, nil); err != nil {
			t.Fatal(err)
		}
	}
	err = e.consumer.Process(context.Background(), wire.Payload{
		"consumer": wire.ConsumerOutboundSample,
		"lab_code": "REF1",
		"sample":   `{"referring_id":"DUP-1","analyses":[]}`,
	})
	if !errors.Is(err, sample.ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}
