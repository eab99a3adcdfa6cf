// Package memory provides an in-memory persistence implementation. It is NOT
// durable: every row lives in process memory and is lost on restart. Use it
// for tests and local development only; production deployments use the file
// or postgresql backends where the persisted task state is the source of
// truth.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

type sessionKey struct {
	workflowID  string
	scheduledAt int64
}

// Persistence implements persistence.Persistence backed by process memory.
type Persistence struct {
	mu sync.Mutex

	workflows map[string]*definition.WorkflowDefinition
	sessions  map[int64]*models.Session
	byKey     map[sessionKey]int64
	tasks     map[int64]map[string]*models.Task
	schedules map[string]*models.Schedule

	nextSessionID int64
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows: make(map[string]*definition.WorkflowDefinition),
		sessions:  make(map[int64]*models.Session),
		byKey:     make(map[sessionKey]int64),
		tasks:     make(map[int64]map[string]*models.Task),
		schedules: make(map[string]*models.Schedule),
	}
}

func (p *Persistence) Workflows() persistence.WorkflowRepository { return (*workflowRepo)(p) }
func (p *Persistence) Sessions() persistence.SessionRepository   { return (*sessionRepo)(p) }
func (p *Persistence) Tasks() persistence.TaskRepository         { return (*taskRepo)(p) }
func (p *Persistence) Schedules() persistence.ScheduleRepository { return (*scheduleRepo)(p) }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

// Workflow repository

type workflowRepo Persistence

func (r *workflowRepo) SaveWorkflow(_ context.Context, def *definition.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *def
	r.workflows[def.ID] = &copied

	return nil
}

func (r *workflowRepo) WorkflowByID(_ context.Context, id string) (*definition.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	copied := *def

	return &copied, nil
}

func (r *workflowRepo) Workflows(_ context.Context) ([]*definition.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defs := make([]*definition.WorkflowDefinition, 0, len(r.workflows))
	for _, def := range r.workflows {
		copied := *def
		defs = append(defs, &copied)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs, nil
}

func (r *workflowRepo) DeleteWorkflow(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[id]; !ok {
		return persistence.ErrWorkflowNotFound
	}

	delete(r.workflows, id)

	return nil
}

// Session repository

type sessionRepo Persistence

func (r *sessionRepo) CreateSession(_ context.Context, session *models.Session, tasks []*models.Task) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{workflowID: session.WorkflowID, scheduledAt: session.ScheduledAt.UTC().UnixNano()}
	if _, exists := r.byKey[key]; exists {
		return 0, persistence.ErrSessionExists
	}

	r.nextSessionID++
	id := r.nextSessionID

	copied := *session
	copied.ID = id
	copied.CreatedAt = time.Now().UTC()
	r.sessions[id] = &copied
	r.byKey[key] = id

	snapshot := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		taskCopy := *task
		taskCopy.SessionID = id
		snapshot[task.ID] = &taskCopy
	}

	r.tasks[id] = snapshot

	return id, nil
}

func (r *sessionRepo) SessionByID(_ context.Context, id int64) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, persistence.ErrSessionNotFound
	}

	copied := *session

	return &copied, nil
}

func (r *sessionRepo) Sessions(_ context.Context, workflowID string, pageSize int, lastID int64) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*models.Session, 0, len(r.sessions))

	for _, session := range r.sessions {
		if workflowID != "" && session.WorkflowID != workflowID {
			continue
		}

		if lastID > 0 && session.ID >= lastID {
			continue
		}

		copied := *session
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if pageSize > 0 && len(all) > pageSize {
		all = all[:pageSize]
	}

	return all, nil
}

func (r *sessionRepo) ActiveSessionIDs(_ context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64

	for id, tasks := range r.tasks {
		for _, task := range tasks {
			if !task.State.IsTerminal() {
				ids = append(ids, id)

				break
			}
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

func (r *sessionRepo) CancelSession(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return persistence.ErrSessionNotFound
	}

	session.Canceled = true

	return nil
}

// Task repository

type taskRepo Persistence

func (r *taskRepo) SessionTasks(_ context.Context, sessionID int64) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.tasks[sessionID]
	if !ok {
		return nil, persistence.ErrSessionNotFound
	}

	tasks := make([]*models.Task, 0, len(snapshot))
	for _, task := range snapshot {
		copied := *task
		tasks = append(tasks, &copied)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

func (r *taskRepo) Tasks(ctx context.Context, sessionID int64, pageSize int, lastID string) ([]*models.Task, error) {
	all, err := r.SessionTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Descending by id, cursor-excluded.
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	filtered := make([]*models.Task, 0, len(all))

	for _, task := range all {
		if lastID != "" && task.ID >= lastID {
			continue
		}

		filtered = append(filtered, task)
	}

	if pageSize > 0 && len(filtered) > pageSize {
		filtered = filtered[:pageSize]
	}

	return filtered, nil
}

func (r *taskRepo) TaskByID(_ context.Context, sessionID int64, taskID string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.locked(sessionID, taskID)
	if err != nil {
		return nil, err
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) TaskByLease(_ context.Context, token string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.byLease(token)
	if task == nil {
		return nil, persistence.ErrLeaseNotFound
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) MarkReady(_ context.Context, sessionID int64, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.locked(sessionID, taskID)
	if err != nil {
		return err
	}

	if task.State != models.TaskStateBlocked && task.State != models.TaskStateRetryWaiting {
		return persistence.NewTaskError("MarkReady", sessionID, taskID, persistence.ErrStateConflict)
	}

	task.State = models.TaskStateReady
	task.RetryAt = nil
	task.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *taskRepo) MarkCanceled(_ context.Context, sessionID int64, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.locked(sessionID, taskID)
	if err != nil {
		return err
	}

	if task.State.IsTerminal() {
		return nil
	}

	task.State = models.TaskStateCanceled
	task.LeaseToken = ""
	task.LeaseDeadline = nil
	task.RetryAt = nil
	task.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *taskRepo) Lease(_ context.Context, capabilities []string, token string, deadline time.Time) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[string]bool, len(capabilities))
	for _, capability := range capabilities {
		allowed[capability] = true
	}

	candidate := r.oldestReady(allowed)
	if candidate == nil {
		return nil, nil
	}

	candidate.State = models.TaskStateRunning
	candidate.LeaseToken = token
	leaseDeadline := deadline
	candidate.LeaseDeadline = &leaseDeadline
	candidate.UpdatedAt = time.Now().UTC()

	copied := *candidate

	return &copied, nil
}

func (r *taskRepo) ExtendLease(_ context.Context, token string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.byLease(token)
	if task == nil {
		return persistence.ErrLeaseNotFound
	}

	extended := deadline
	task.LeaseDeadline = &extended
	task.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *taskRepo) CompleteLease(_ context.Context, token string, result models.TaskResult, retryAt time.Time) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.byLease(token)
	if task == nil {
		return nil, persistence.ErrLeaseNotFound
	}

	task.LeaseToken = ""
	task.LeaseDeadline = nil
	task.UpdatedAt = time.Now().UTC()

	switch {
	case result.Success:
		task.State = models.TaskStateSuccess
		task.LastError = ""
	case task.RetryCount < task.RetryLimit:
		task.RetryCount++
		task.State = models.TaskStateRetryWaiting
		parkedUntil := retryAt
		task.RetryAt = &parkedUntil
		task.LastError = result.Error
	default:
		task.State = models.TaskStateError
		task.LastError = result.Error
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) ExpireLeases(_ context.Context, now time.Time) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*models.Task

	for _, snapshot := range r.tasks {
		for _, task := range snapshot {
			if task.State != models.TaskStateRunning || task.LeaseDeadline == nil {
				continue
			}

			if task.LeaseDeadline.After(now) {
				continue
			}

			task.State = models.TaskStateReady
			task.LeaseToken = ""
			task.LeaseDeadline = nil
			task.UpdatedAt = time.Now().UTC()

			copied := *task
			expired = append(expired, &copied)
		}
	}

	sortTasks(expired)

	return expired, nil
}

func (r *taskRepo) DueRetries(_ context.Context, now time.Time) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.Task

	for _, snapshot := range r.tasks {
		for _, task := range snapshot {
			if task.State != models.TaskStateRetryWaiting || task.RetryAt == nil {
				continue
			}

			if task.RetryAt.After(now) {
				continue
			}

			task.State = models.TaskStateReady
			task.RetryAt = nil
			task.UpdatedAt = time.Now().UTC()

			copied := *task
			due = append(due, &copied)
		}
	}

	sortTasks(due)

	return due, nil
}

func (r *taskRepo) locked(sessionID int64, taskID string) (*models.Task, error) {
	snapshot, ok := r.tasks[sessionID]
	if !ok {
		return nil, persistence.ErrSessionNotFound
	}

	task, ok := snapshot[taskID]
	if !ok {
		return nil, persistence.ErrTaskNotFound
	}

	return task, nil
}

func (r *taskRepo) byLease(token string) *models.Task {
	if token == "" {
		return nil
	}

	for _, snapshot := range r.tasks {
		for _, task := range snapshot {
			if task.State == models.TaskStateRunning && task.LeaseToken == token {
				return task
			}
		}
	}

	return nil
}

// oldestReady picks the ready task with the lowest (session id, task id) so
// leasing order is deterministic under test.
func (r *taskRepo) oldestReady(allowed map[string]bool) *models.Task {
	var best *models.Task

	for _, snapshot := range r.tasks {
		for _, task := range snapshot {
			if task.State != models.TaskStateReady {
				continue
			}

			if len(allowed) > 0 && !allowed[task.Capability] {
				continue
			}

			if best == nil || task.SessionID < best.SessionID ||
				(task.SessionID == best.SessionID && task.ID < best.ID) {
				best = task
			}
		}
	}

	return best
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].SessionID != tasks[j].SessionID {
			return tasks[i].SessionID < tasks[j].SessionID
		}

		return tasks[i].ID < tasks[j].ID
	})
}

// Schedule repository

type scheduleRepo Persistence

func (r *scheduleRepo) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *schedule
	r.schedules[schedule.WorkflowID] = &copied

	return nil
}

func (r *scheduleRepo) ScheduleByWorkflowID(_ context.Context, workflowID string) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schedule, ok := r.schedules[workflowID]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	copied := *schedule

	return &copied, nil
}

func (r *scheduleRepo) Schedules(_ context.Context) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schedules := make([]*models.Schedule, 0, len(r.schedules))
	for _, schedule := range r.schedules {
		copied := *schedule
		schedules = append(schedules, &copied)
	}

	sort.Slice(schedules, func(i, j int) bool { return schedules[i].WorkflowID < schedules[j].WorkflowID })

	return schedules, nil
}

func (r *scheduleRepo) DueSchedules(_ context.Context, before time.Time) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.Schedule

	for _, schedule := range r.schedules {
		if schedule.IsDue(before) {
			copied := *schedule
			due = append(due, &copied)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].WorkflowID < due[j].WorkflowID })

	return due, nil
}

func (r *scheduleRepo) AdvanceSchedule(_ context.Context, schedule *models.Schedule, expect time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.schedules[schedule.WorkflowID]
	if !ok {
		return persistence.ErrScheduleNotFound
	}

	if !stored.NextScheduleTime.Equal(expect) {
		return persistence.ErrScheduleConflict
	}

	copied := *schedule
	r.schedules[schedule.WorkflowID] = &copied

	return nil
}

func (r *scheduleRepo) DeleteSchedule(_ context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[workflowID]; !ok {
		return persistence.ErrScheduleNotFound
	}

	delete(r.schedules, workflowID)

	return nil
}
