// Package delivery reports message statuses back to HighLevel off the request
// path, retrying failed reports with exponential backoff.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JobState is the lifecycle state of a status job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
)

// StatusJob is one status report for one HighLevel message.
type StatusJob struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	MessageID     string           `json:"message_id"`
	Status        string           `json:"status"`
	Error         *ghl.StatusError `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	NextAttemptAt time.Time        `json:"next_attempt_at,omitempty"`
	AttemptCount  int              `json:"attempt_count"`
	State         JobState         `json:"state"`
	LastError     string           `json:"last_error,omitempty"`

	ctx      context.Context
	inFlight bool
}

// StatusSender performs the HighLevel status update.
type StatusSender interface {
	UpdateMessageStatus(ctx context.Context, tenantID, messageID, status string, statusErr *ghl.StatusError) error
}

// EventPublisher receives the outcome of every job.
type EventPublisher interface {
	Publish(ctx context.Context, event queue.Event) error
}

type Config struct {
	MaxRetries  int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	HistorySize int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 500
	}
}

// Manager keeps jobs in memory only; pending reports are lost on restart.
type Manager struct {
	mu        sync.RWMutex
	pending   map[string]*StatusJob
	history   []StatusJob
	sender    StatusSender
	publisher EventPublisher
	cfg       Config
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewManager(sender StatusSender, publisher EventPublisher, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		pending:   make(map[string]*StatusJob),
		sender:    sender,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start runs the retry loop until Stop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.processRetries()
	log.Info().
		Int("maxRetries", m.cfg.MaxRetries).
		Dur("backoff", m.cfg.Backoff).
		Dur("timeout", m.cfg.Timeout).
		Msg("Delivery manager initialized")
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// ReportStatus queues a status update and returns the job id. It never blocks
// on the upstream call.
func (m *Manager) ReportStatus(ctx context.Context, tenantID, messageID, status string, statusErr *ghl.StatusError) string {
	now := m.now()
	job := &StatusJob{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		MessageID:     messageID,
		Status:        status,
		Error:         statusErr,
		CreatedAt:     now,
		NextAttemptAt: now,
		State:         JobPending,
		ctx:           context.WithoutCancel(ctx),
		inFlight:      true,
	}

	m.mu.Lock()
	m.pending[job.ID] = job
	m.mu.Unlock()

	zerolog.Ctx(ctx).Debug().
		Str("jobID", job.ID).
		Str("messageID", messageID).
		Str("status", status).
		Msg("Queued status report")

	m.wg.Add(1)
	go m.attempt(job)
	return job.ID
}

func (m *Manager) attempt(job *StatusJob) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(job.ctx, m.cfg.Timeout)
	defer cancel()
	logger := zerolog.Ctx(ctx).With().Str("jobID", job.ID).Str("messageID", job.MessageID).Str("tenantID", job.TenantID).Logger()

	start := m.now()
	err := m.sender.UpdateMessageStatus(ctx, job.TenantID, job.MessageID, job.Status, job.Error)
	duration := m.now().Sub(start)

	m.mu.Lock()
	job.inFlight = false
	job.AttemptCount++
	var finished *StatusJob
	switch {
	case err == nil:
		job.State = JobDelivered
		job.LastError = ""
		delete(m.pending, job.ID)
		finished = job
		logger.Info().Str("status", job.Status).Int64("durationMs", duration.Milliseconds()).Msg("Status reported to HighLevel")
	case job.AttemptCount >= m.cfg.MaxRetries:
		job.State = JobFailed
		job.LastError = err.Error()
		delete(m.pending, job.ID)
		finished = job
		logger.Error().Err(err).Int("attemptCount", job.AttemptCount).Msg("Status report failed permanently")
	default:
		job.LastError = err.Error()
		job.NextAttemptAt = m.now().Add(m.backoff(job.AttemptCount))
		logger.Warn().Err(err).
			Int("attemptCount", job.AttemptCount).
			Int("maxRetries", m.cfg.MaxRetries).
			Time("nextAttemptAt", job.NextAttemptAt).
			Msg("Status report failed, will retry")
	}
	if finished != nil {
		m.remember(*finished)
	}
	m.mu.Unlock()

	if finished != nil && m.publisher != nil {
		_ = m.publisher.Publish(ctx, queue.Event{
			Type:      queue.EventStatusReport,
			TenantID:  finished.TenantID,
			MessageID: finished.MessageID,
			Payload:   finished.snapshot(),
		})
	}
}

// backoff is base * 2^(attempts-1), capped.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return d
}

// remember must be called with mu held.
func (m *Manager) remember(job StatusJob) {
	job.ctx = nil
	m.history = append(m.history, job)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]StatusJob(nil), m.history[over:]...)
	}
}

func (m *Manager) processRetries() {
	defer m.wg.Done()
	interval := m.cfg.Backoff
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.retryDue(false)
		}
	}
}

// retryDue dispatches pending jobs whose backoff elapsed, or all idle pending
// jobs when force is set.
func (m *Manager) retryDue(force bool) int {
	now := m.now()
	m.mu.Lock()
	var due []*StatusJob
	for _, job := range m.pending {
		if job.inFlight {
			continue
		}
		if force || !job.NextAttemptAt.After(now) {
			job.inFlight = true
			due = append(due, job)
		}
	}
	m.mu.Unlock()

	for _, job := range due {
		log.Debug().Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Msg("Retrying status report")
		m.wg.Add(1)
		go m.attempt(job)
	}
	return len(due)
}

// RetryNow forces an immediate attempt of every idle pending job.
func (m *Manager) RetryNow() int {
	return m.retryDue(true)
}

// Retry re-runs one job. A permanently failed job is re-queued with a fresh
// attempt budget.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	if job, ok := m.pending[id]; ok {
		if job.inFlight {
			m.mu.Unlock()
			return nil
		}
		job.inFlight = true
		m.mu.Unlock()
		m.wg.Add(1)
		go m.attempt(job)
		return nil
	}
	var failed *StatusJob
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			failed = &m.history[i]
			break
		}
	}
	if failed == nil || failed.State != JobFailed {
		m.mu.Unlock()
		return fmt.Errorf("no failed or pending job %s", id)
	}
	tenantID, messageID, status, statusErr := failed.TenantID, failed.MessageID, failed.Status, failed.Error
	m.mu.Unlock()

	m.ReportStatus(ctx, tenantID, messageID, status, statusErr)
	return nil
}

// PendingCount returns the number of jobs not yet finished.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Job looks a job up among pending and recently finished jobs.
func (m *Manager) Job(id string) (StatusJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.pending[id]; ok {
		return job.snapshot(), true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return StatusJob{}, false
}

// Jobs lists pending and recent jobs, newest first, optionally for one tenant.
func (m *Manager) Jobs(tenantID string, limit int) []StatusJob {
	m.mu.RLock()
	out := make([]StatusJob, 0, len(m.pending)+len(m.history))
	for _, job := range m.pending {
		if tenantID == "" || job.TenantID == tenantID {
			out = append(out, job.snapshot())
		}
	}
	for _, job := range m.history {
		if tenantID == "" || job.TenantID == tenantID {
			out = append(out, job)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarises the manager state.
type Stats struct {
	Pending    int `json:"pending"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	MaxRetries int `json:"max_retries"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Pending: len(m.pending), MaxRetries: m.cfg.MaxRetries}
	for _, job := range m.history {
		switch job.State {
		case JobDelivered:
			s.Delivered++
		case JobFailed:
			s.Failed++
		}
	}
	return s
}

func (j *StatusJob) snapshot() StatusJob {
	c := *j
	c.ctx = nil
	return c
}

// HighLevelSender adapts the tenant client factory to StatusSender.
type HighLevelSender struct {
	Factory *ghl.Factory
}

func (s HighLevelSender) UpdateMessageStatus(ctx context.Context, tenantID, messageID, status string, statusErr *ghl.StatusError) error {
	client, err := s.Factory.ForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return client.UpdateMessageStatus(ctx, messageID, status, statusErr)
}
