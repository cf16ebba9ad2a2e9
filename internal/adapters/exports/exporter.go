// Package exports snapshots the participant register into CSV and JSON
// artifacts for the research team.
package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"writingstudy/internal/blob"
	"writingstudy/internal/core"
	"writingstudy/pkg/domain"
)

// Format is an artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Status describes the lifecycle stage of an export.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const (
	defaultQueueSize = 16
	keyPrefix        = "exports/"
	auditOperation   = "export"
)

var (
	// ErrQueueFull is returned when the worker cannot accept more jobs.
	ErrQueueFull = errors.New("export queue full")
	// ErrStopped is returned by EnqueueExport after Stop.
	ErrStopped = errors.New("export worker stopped")
	// ErrUnsupportedFormat rejects formats other than csv and json.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Artifact is one stored export file.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Input is an export request. Empty Formats means csv and json.
type Input struct {
	Formats     []Format
	RequestedBy string
	Reason      string
}

// Source yields the participants to export. *core.Service satisfies it.
type Source interface {
	ListParticipants(ctx context.Context) ([]domain.Participant, error)
}

// Scheduler queues exports and exposes their status.
type Scheduler interface {
	EnqueueExport(ctx context.Context, input Input) (Record, error)
	GetExport(id string) (Record, bool)
	ListExports() []Record
}

// Worker runs exports on a single background goroutine.
type Worker struct {
	source    Source
	store     blob.Store
	logger    core.Logger
	audit     core.AuditRecorder
	clock     core.Clock
	urlExpiry time.Duration

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAuditRecorder records every status transition.
func WithAuditRecorder(a core.AuditRecorder) Option {
	return func(w *Worker) {
		if a != nil {
			w.audit = a
		}
	}
}

// WithClock overrides the time source.
func WithClock(c core.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithQueueSize bounds the number of pending exports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithURLExpiry sets the lifetime of artifact download links.
func WithURLExpiry(d time.Duration) Option {
	return func(w *Worker) { w.urlExpiry = d }
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

type discardAudit struct{}

func (discardAudit) Record(context.Context, core.AuditEntry) {}

// NewWorker constructs a worker. Call Start before enqueueing.
func NewWorker(source Source, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source: source,
		store:  store,
		logger: discardLogger{},
		audit:  discardAudit{},
		clock:  core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		queue:  make(chan string, defaultQueueSize),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued exports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop cancels in-flight work and waits for the loop to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(w.ctx, id)
		}
	}
}

// EnqueueExport validates input and queues the export.
func (w *Worker) EnqueueExport(ctx context.Context, input Input) (Record, error) {
	if w.ctx.Err() != nil {
		return Record{}, ErrStopped
	}
	record, err := w.newRecord(ctx, input)
	if err != nil {
		return Record{}, err
	}
	select {
	case w.queue <- record.ID:
	default:
		w.fail(ctx, record.ID, ErrQueueFull.Error())
		return Record{}, ErrQueueFull
	}
	return record, nil
}

// Run performs one export synchronously, bypassing the queue.
func (w *Worker) Run(ctx context.Context, input Input) (Record, error) {
	record, err := w.newRecord(ctx, input)
	if err != nil {
		return Record{}, err
	}
	w.process(ctx, record.ID)
	final, _ := w.GetExport(record.ID)
	if final.Status == StatusFailed {
		return final, fmt.Errorf("export %s failed: %s", final.ID, final.Error)
	}
	return final, nil
}

// GetExport returns a snapshot of an export record.
func (w *Worker) GetExport(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// ListExports returns every known export, oldest first.
func (w *Worker) ListExports() []Record {
	w.mu.RLock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		out = append(out, record.copy())
	}
	w.mu.RUnlock()
	sortRecords(out)
	return out
}

func (w *Worker) newRecord(ctx context.Context, input Input) (Record, error) {
	formats, err := normalizeFormats(input.Formats)
	if err != nil {
		return Record{}, err
	}
	now := w.clock.Now()
	record := Record{
		ID:          uuid.NewString(),
		Formats:     formats,
		Status:      StatusQueued,
		RequestedBy: strings.TrimSpace(input.RequestedBy),
		Reason:      strings.TrimSpace(input.Reason),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	snapshot := record.copy()
	w.mu.Unlock()
	w.record(ctx, record.ID, core.AuditStatusSuccess, "queued")
	return snapshot, nil
}

func normalizeFormats(in []Format) ([]Format, error) {
	if len(in) == 0 {
		return []Format{FormatCSV, FormatJSON}, nil
	}
	out := make([]Format, 0, len(in))
	seen := make(map[Format]struct{}, len(in))
	for _, raw := range in {
		f := Format(strings.ToLower(strings.TrimSpace(string(raw))))
		if f != FormatCSV && f != FormatJSON {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

func (w *Worker) process(ctx context.Context, id string) {
	record, ok := w.GetExport(id)
	if !ok {
		return
	}
	w.setStatus(id, StatusRunning)

	participants, err := w.source.ListParticipants(ctx)
	if err != nil {
		w.fail(ctx, id, fmt.Sprintf("list participants: %v", err))
		return
	}
	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		payload, contentType, err := render(format, participants, w.clock.Now())
		if err != nil {
			w.fail(ctx, id, err.Error())
			return
		}
		key := keyPrefix + id + "/participants." + string(format)
		info, err := w.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"export": id, "rows": strconv.Itoa(len(participants))},
		})
		if err != nil {
			w.fail(ctx, id, fmt.Sprintf("store %s: %v", format, err))
			return
		}
		link, err := w.store.URL(ctx, info.Key, w.urlExpiry)
		if err != nil {
			w.logger.Warn("export url unavailable", "export_id", id, "key", info.Key, "error", err)
		}
		artifacts = append(artifacts, Artifact{
			Key:         info.Key,
			Format:      format,
			ContentType: contentType,
			SizeBytes:   info.Size,
			Rows:        len(participants),
			URL:         link,
			CreatedAt:   w.clock.Now(),
		})
	}
	w.complete(ctx, id, artifacts)
}

func (w *Worker) setStatus(id string, status Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.UpdatedAt = w.clock.Now()
	}
}

func (w *Worker) complete(ctx context.Context, id string, artifacts []Artifact) {
	now := w.clock.Now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Info("export complete", "export_id", id, "artifacts", len(artifacts))
	w.record(ctx, id, core.AuditStatusSuccess, "")
}

func (w *Worker) fail(ctx context.Context, id, reason string) {
	now := w.clock.Now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Error("export failed", "export_id", id, "error", reason)
	w.record(ctx, id, core.AuditStatusError, reason)
}

func (w *Worker) record(ctx context.Context, id string, status core.AuditStatus, note string) {
	entry := core.AuditEntry{
		Operation: auditOperation,
		EntityID:  id,
		Status:    status,
		Timestamp: w.clock.Now(),
	}
	if status == core.AuditStatusError {
		entry.Error = note
	}
	w.audit.Record(context.WithoutCancel(ctx), entry)
}

func (r Record) copy() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		dup.CompletedAt = &t
	}
	return dup
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// csvColumns is the flat column layout of the CSV artifact.
var csvColumns = []string{
	"id", "name", "className", "condition", "currentStep",
	"brainstorm", "pretest", "wcfResult", "posttest", "survey",
	"brainstormElapsed", "pretestElapsed", "reflectionElapsed", "posttestElapsed",
	"createdAt", "updatedAt",
}

type jsonDocument struct {
	ExportedAt   time.Time            `json:"exportedAt"`
	Count        int                  `json:"count"`
	Conditions   map[string]int       `json:"conditions"`
	Participants []domain.Participant `json:"participants"`
}

func render(format Format, participants []domain.Participant, now time.Time) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		doc := jsonDocument{
			ExportedAt:   now,
			Count:        len(participants),
			Conditions:   make(map[string]int, len(domain.Conditions)),
			Participants: participants,
		}
		if doc.Participants == nil {
			doc.Participants = []domain.Participant{}
		}
		for _, c := range domain.Conditions {
			doc.Conditions[string(c)] = 0
		}
		for _, p := range participants {
			if p.Condition != "" {
				doc.Conditions[string(p.Condition)]++
			}
		}
		payload, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(csvColumns); err != nil {
			return nil, "", err
		}
		for _, p := range participants {
			survey, err := domain.EncodeSurvey(p.Survey)
			if err != nil {
				return nil, "", fmt.Errorf("encode survey for %s: %w", p.ID, err)
			}
			row := []string{
				p.ID, p.DisplayName, p.GroupLabel, string(p.Condition), strconv.Itoa(p.ProgressMarker),
				p.Brainstorm, p.Pretest, p.WCFResult, p.Posttest, string(survey),
				strconv.Itoa(p.BrainstormElapsed), strconv.Itoa(p.PretestElapsed),
				strconv.Itoa(p.ReflectionElapsed), strconv.Itoa(p.PosttestElapsed),
				formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
			}
			if err := writer.Write(row); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
