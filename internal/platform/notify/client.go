// Package notify delivers outbound push notifications to partner laboratory
// instances and keeps the per-object delivery log. Delivery is best-effort:
// Notify never returns a transport error to the caller, it documents the
// attempt in a Record and moves on, so a dead partner cannot block a local
// workflow transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/referral/referral/internal/platform/wire"
)

// maxResponseBytes caps how much of a partner response is kept in the record.
const maxResponseBytes = 4096

// Destination identifies a partner instance and the credentials to reach it.
type Destination struct {
	LabUID   uuid.UUID
	Code     string
	URL      string
	Username string
	Password string
}

// configured reports whether the destination can actually be posted to.
func (d Destination) configured() bool {
	if d.URL == "" || d.Username == "" || d.Password == "" {
		return false
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (d Destination) pushEndpoint() string {
	return strings.TrimRight(d.URL, "/") + "/push"
}

// Config carries the client settings.
type Config struct {
	// LabCode identifies this instance in outgoing payloads.
	LabCode string
	// Timeout overrides the per-request deadline. Zero selects the
	// batch-size heuristic, see timeoutFor.
	Timeout time.Duration
}

// Client builds and delivers wire payloads.
type Client struct {
	cfg    Config
	httpc  *http.Client
	store  RecordStore
	logger zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

func NewClient(cfg Config, store RecordStore, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		httpc:  &http.Client{},
		store:  store,
		logger: logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect returns a session against the destination, or nil when the
// destination has no usable URL or credentials. Callers treat a nil session
// as "partner not reachable, skip quietly".
func (c *Client) Connect(dest Destination) *Session {
	if !dest.configured() {
		c.logger.Debug().Str("lab", dest.Code).Msg("destination not configured, skipping")
		return nil
	}
	return &Session{client: c, dest: dest}
}

// timeoutFor picks the request deadline for a batch of n items. The deadline
// grows with the logarithm of the batch size so large shipments get room
// without letting any single post hang for minutes.
func (c *Client) timeoutFor(itemCount int) time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	if itemCount < 1 {
		itemCount = 1
	}
	secs := math.Ceil((math.Log(float64(itemCount)) + 1) * 5)
	return time.Duration(secs) * time.Second
}

// Session is a Client bound to one destination.
type Session struct {
	client *Client
	dest   Destination
}

// Notify posts a consumer payload for the given object and returns the
// record of the attempt. Exactly one record is appended per call, whether
// the post succeeded, failed at transport level, or was rejected remotely.
// fields must not already contain consumer, lab_code, or remote_lab.
func (s *Session) Notify(ctx context.Context, objectUID uuid.UUID, consumer string, fields map[string]interface{}, itemCount int) *Record {
	c := s.client

	full := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		full[k] = v
	}
	full["consumer"] = consumer
	full["lab_code"] = c.cfg.LabCode
	// Object UIDs are never shared between instances, so the sender
	// identifies itself by code here too.
	full["remote_lab"] = c.cfg.LabCode

	encoded, err := wire.EncodeFields(full)
	if err != nil {
		return s.record(ctx, objectUID, nil, failure(fmt.Sprintf("encode payload: %v", err)))
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return s.record(ctx, objectUID, nil, failure(fmt.Sprintf("marshal payload: %v", err)))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(itemCount))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.dest.pushEndpoint(), bytes.NewReader(body))
	if err != nil {
		return s.record(ctx, objectUID, body, failure(fmt.Sprintf("build request: %v", err)))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.dest.Username, s.dest.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("lab", s.dest.Code).Str("object_uid", objectUID.String()).
			Msg("push delivery failed")
		return s.record(ctx, objectUID, body, failure(err.Error()))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	out := outcome{
		statusCode:   resp.StatusCode,
		responseBody: string(raw),
	}
	out.success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if msg, ok := parseEnvelope(raw); ok {
		out.message = msg.Message
		out.success = out.success && msg.Success
	}
	if !out.success {
		out.reason = fmt.Sprintf("remote returned status %d", resp.StatusCode)
		if out.message != "" {
			out.reason = out.message
		}
	}
	return s.record(ctx, objectUID, body, out)
}

// DoAction posts a generic action payload for a single object unless the
// skip set marks the object as originating from the current inbound push.
// A skipped object produces no post and no record; the nil return tells the
// caller nothing was sent.
func (s *Session) DoAction(ctx context.Context, objectUID uuid.UUID, action string, item map[string]interface{}, skip *SkipSet) *Record {
	if skip.Contains(objectUID) {
		s.client.logger.Debug().Str("action", action).Str("object_uid", objectUID.String()).
			Msg("object in skip set, not echoing back")
		return nil
	}
	fields := map[string]interface{}{
		"action": action,
		"items":  []interface{}{item},
	}
	return s.Notify(ctx, objectUID, wire.ConsumerGeneric, fields, 1)
}

// Retry re-sends the exact payload of an earlier record to the destination
// and appends a fresh record of the new attempt. The original record is left
// untouched.
func (c *Client) Retry(ctx context.Context, dest Destination, recordID uuid.UUID) (*Record, error) {
	prev, err := c.store.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load notification record: %w", err)
	}
	sess := c.Connect(dest)
	if sess == nil {
		return nil, fmt.Errorf("laboratory %s has no usable push configuration", dest.Code)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(1))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sess.dest.pushEndpoint(), bytes.NewReader(prev.Payload))
	if err != nil {
		return nil, fmt.Errorf("build retry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(dest.Username, dest.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return sess.record(ctx, prev.ObjectUID, prev.Payload, failure(err.Error())), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	out := outcome{
		statusCode:   resp.StatusCode,
		responseBody: string(raw),
	}
	out.success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if msg, ok := parseEnvelope(raw); ok {
		out.message = msg.Message
		out.success = out.success && msg.Success
	}
	if !out.success {
		out.reason = fmt.Sprintf("remote returned status %d", resp.StatusCode)
	}
	return sess.record(ctx, prev.ObjectUID, prev.Payload, out), nil
}

type outcome struct {
	statusCode   int
	reason       string
	responseBody string
	message      string
	success      bool
}

func failure(reason string) outcome {
	return outcome{reason: reason}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func parseEnvelope(raw []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

// record appends the attempt to the store. Persistence failures are logged,
// not propagated; losing a log row must not fail the workflow transition
// that triggered the post.
func (s *Session) record(ctx context.Context, objectUID uuid.UUID, payload []byte, out outcome) *Record {
	rec := &Record{
		ID:           uuid.New(),
		ObjectUID:    objectUID,
		URL:          s.dest.pushEndpoint(),
		Payload:      payload,
		StatusCode:   out.statusCode,
		Reason:       out.reason,
		ResponseBody: out.responseBody,
		Message:      out.message,
		Success:      out.success,
		SentAt:       time.Now(),
	}
	if err := s.client.store.Append(ctx, rec); err != nil {
		s.client.logger.Error().Err(err).Str("object_uid", objectUID.String()).
			Msg("failed to persist notification record")
	}
	return rec
}
