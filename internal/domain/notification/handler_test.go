package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/internal/platform/notify"
)

type mockRecordStore struct {
	records []*notify.Record
}

func (m *mockRecordStore) Append(_ context.Context, rec *notify.Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *mockRecordStore) Get(_ context.Context, id uuid.UUID) (*notify.Record, error) {
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("record %s not found", id)
}

func (m *mockRecordStore) ListByObject(_ context.Context, objectUID uuid.UUID, limit, offset int) ([]*notify.Record, int, error) {
	var out []*notify.Record
	for _, r := range m.records {
		if r.ObjectUID == objectUID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRecordStore) LastByObject(_ context.Context, objectUID uuid.UUID) (*notify.Record, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].ObjectUID == objectUID {
			return m.records[i], nil
		}
	}
	return nil, nil
}

type mockLabRepo struct {
	labs map[uuid.UUID]*lab.Laboratory
}

func (m *mockLabRepo) Create(_ context.Context, l *lab.Laboratory) error { return nil }
func (m *mockLabRepo) GetByID(_ context.Context, id uuid.UUID) (*lab.Laboratory, error) {
	l, ok := m.labs[id]
	if !ok {
		return nil, lab.ErrNotFound
	}
	return l, nil
}
func (m *mockLabRepo) GetByCode(_ context.Context, code string) (*lab.Laboratory, error) {
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

func asRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, auth.UserIDKey, "tester")
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newServer(store *mockRecordStore, labRepo *mockLabRepo, roles ...string) *echo.Echo {
	labs := lab.NewService(labRepo)
	client := notify.NewClient(notify.Config{LabCode: "LAB1"}, store, zerolog.Nop())
	srv := echo.New()
	api := srv.Group("/api/v1", asRole(roles...))
	NewHandler(client, store, labs).RegisterRoutes(api)
	return srv
}

func TestListByObject(t *testing.T) {
	store := &mockRecordStore{}
	objectUID := uuid.New()
	store.records = append(store.records,
		&notify.Record{ID: uuid.New(), ObjectUID: objectUID, Success: false, Reason: "connection refused"},
		&notify.Record{ID: uuid.New(), ObjectUID: objectUID, Success: true},
		&notify.Record{ID: uuid.New(), ObjectUID: uuid.New(), Success: true},
	)
	srv := newServer(store, &mockLabRepo{}, "labclerk")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/object/"+objectUID.String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data  []*notify.Record `json:"data"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Errorf("expected two records for the object, got total=%d len=%d", resp.Total, len(resp.Data))
	}
}

func TestLastByObject_NeverNotified(t *testing.T) {
	srv := newServer(&mockRecordStore{}, &mockLabRepo{}, "labclerk")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/object/"+uuid.New().String()+"/last", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["notified"] != false {
		t.Errorf("expected notified=false, got %v", resp["notified"])
	}
}

func TestRetry_ResendsAndRecords(t *testing.T) {
	var gotBody []byte
	partner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer partner.Close()

	store := &mockRecordStore{}
	prev := &notify.Record{
		ID:        uuid.New(),
		ObjectUID: uuid.New(),
		Payload:   json.RawMessage(`{"consumer":"senaite.referral.consumer","lab_code":"LAB1"}`),
		Success:   false,
		Reason:    "timeout",
	}
	store.records = append(store.records, prev)

	l := &lab.Laboratory{
		ID: uuid.New(), Code: "REF1", Active: true, Reference: true,
		URL: partner.URL, Username: "u", Password: "p",
	}
	labRepo := &mockLabRepo{labs: map[uuid.UUID]*lab.Laboratory{l.ID: l}}
	srv := newServer(store, labRepo, "labmanager")

	body := fmt.Sprintf(`{"lab_uid":%q}`, l.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+prev.ID.String()+"/retry", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(gotBody) != string(prev.Payload) {
		t.Errorf("expected recorded payload resent verbatim, got %s", gotBody)
	}
	if len(store.records) != 2 {
		t.Fatalf("expected original plus retry record, got %d", len(store.records))
	}
	var retried notify.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &retried); err != nil {
		t.Fatal(err)
	}
	if !retried.Success {
		t.Errorf("expected successful retry, got reason %q", retried.Reason)
	}
	if retried.ObjectUID != prev.ObjectUID {
		t.Error("retry record must belong to the same object")
	}
}

func TestRetry_RoleEnforced(t *testing.T) {
	srv := newServer(&mockRecordStore{}, &mockLabRepo{}, "labclerk")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+uuid.New().String()+"/retry", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for labclerk, got %d", rec.Code)
	}
}
