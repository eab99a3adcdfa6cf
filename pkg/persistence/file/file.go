// Package file provides a file-backed persistence implementation. Every
// entity is a JSON document under the root directory, written atomically via
// rename, so state survives process restarts. Concurrency control is a
// process-local lock: run a single writer process against one root, or use
// the postgresql backend for multi-process deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// sessionDocument is the on-disk shape of a session: the row plus its task
// snapshot in one document, so per-session updates stay single-file.
type sessionDocument struct {
	Session models.Session          `json:"session"`
	Tasks   map[string]*models.Task `json:"tasks"`
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (p *Persistence) Workflows() persistence.WorkflowRepository { return &workflowRepo{p: p} }
func (p *Persistence) Sessions() persistence.SessionRepository   { return &sessionRepo{p: p} }
func (p *Persistence) Tasks() persistence.TaskRepository         { return &taskRepo{p: p} }
func (p *Persistence) Schedules() persistence.ScheduleRepository { return &scheduleRepo{p: p} }

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) dir(parts ...string) string {
	return filepath.Join(append([]string{p.root}, parts...)...)
}

func (p *Persistence) writeJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}

func (p *Persistence) readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

// Workflow repository

type workflowRepo struct {
	p *Persistence
}

func (r *workflowRepo) path(id string) string {
	return r.p.dir("workflows", id+".json")
}

func (r *workflowRepo) SaveWorkflow(_ context.Context, def *definition.WorkflowDefinition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.writeJSON(r.path(def.ID), def)
}

func (r *workflowRepo) WorkflowByID(_ context.Context, id string) (*definition.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var def definition.WorkflowDefinition

	err := r.p.readJSON(r.path(id), &def)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.ErrWorkflowNotFound
	} else if err != nil {
		return nil, err
	}

	return &def, nil
}

func (r *workflowRepo) Workflows(_ context.Context) ([]*definition.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	entries, err := os.ReadDir(r.p.dir("workflows"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var defs []*definition.WorkflowDefinition

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var def definition.WorkflowDefinition
		if err := r.p.readJSON(r.p.dir("workflows", entry.Name()), &def); err != nil {
			return nil, err
		}

		defs = append(defs, &def)
	}

	return defs, nil
}

func (r *workflowRepo) DeleteWorkflow(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	err := os.Remove(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.ErrWorkflowNotFound
	}

	return err
}

// Session repository

type sessionRepo struct {
	p *Persistence
}

func sessionPath(p *Persistence, id int64) string {
	return p.dir("sessions", strconv.FormatInt(id, 10)+".json")
}

// sessionKeyPath records session existence per (workflow, scheduled time) for
// the insert-if-absent check.
func sessionKeyPath(p *Persistence, workflowID string, scheduledAt time.Time) string {
	key := fmt.Sprintf("%s-%d", workflowID, scheduledAt.UTC().UnixNano())

	return p.dir("sessions", "keys", key+".json")
}

func (r *sessionRepo) CreateSession(_ context.Context, session *models.Session, tasks []*models.Task) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	keyPath := sessionKeyPath(r.p, session.WorkflowID, session.ScheduledAt)
	if _, err := os.Stat(keyPath); err == nil {
		return 0, persistence.ErrSessionExists
	}

	id, err := r.nextID()
	if err != nil {
		return 0, err
	}

	doc := sessionDocument{
		Session: *session,
		Tasks:   make(map[string]*models.Task, len(tasks)),
	}
	doc.Session.ID = id
	doc.Session.CreatedAt = time.Now().UTC()

	for _, task := range tasks {
		taskCopy := *task
		taskCopy.SessionID = id
		doc.Tasks[task.ID] = &taskCopy
	}

	if err := r.p.writeJSON(sessionPath(r.p, id), &doc); err != nil {
		return 0, err
	}

	if err := r.p.writeJSON(keyPath, map[string]int64{"session_id": id}); err != nil {
		return 0, err
	}

	return id, nil
}

func (r *sessionRepo) nextID() (int64, error) {
	counterPath := r.p.dir("sessions", "sequence.json")

	var counter struct {
		Next int64 `json:"next"`
	}

	err := r.p.readJSON(counterPath, &counter)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	counter.Next++

	if err := r.p.writeJSON(counterPath, &counter); err != nil {
		return 0, err
	}

	return counter.Next, nil
}

func (r *sessionRepo) SessionByID(_ context.Context, id int64) (*models.Session, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, err := loadSession(r.p, id)
	if err != nil {
		return nil, err
	}

	session := doc.Session

	return &session, nil
}

func (r *sessionRepo) Sessions(_ context.Context, workflowID string, pageSize int, lastID int64) ([]*models.Session, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	ids, err := sessionIDs(r.p)
	if err != nil {
		return nil, err
	}

	// ids are ascending; walk from the newest down.
	var page []*models.Session

	for i := len(ids) - 1; i >= 0; i-- {
		if lastID > 0 && ids[i] >= lastID {
			continue
		}

		doc, err := loadSession(r.p, ids[i])
		if err != nil {
			return nil, err
		}

		if workflowID != "" && doc.Session.WorkflowID != workflowID {
			continue
		}

		session := doc.Session
		page = append(page, &session)

		if pageSize > 0 && len(page) == pageSize {
			break
		}
	}

	return page, nil
}

func (r *sessionRepo) ActiveSessionIDs(_ context.Context) ([]int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	ids, err := sessionIDs(r.p)
	if err != nil {
		return nil, err
	}

	var active []int64

	for _, id := range ids {
		doc, err := loadSession(r.p, id)
		if err != nil {
			return nil, err
		}

		for _, task := range doc.Tasks {
			if !task.State.IsTerminal() {
				active = append(active, id)

				break
			}
		}
	}

	return active, nil
}

func (r *sessionRepo) CancelSession(_ context.Context, id int64) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, err := loadSession(r.p, id)
	if err != nil {
		return err
	}

	doc.Session.Canceled = true

	return r.p.writeJSON(sessionPath(r.p, id), doc)
}

func loadSession(p *Persistence, id int64) (*sessionDocument, error) {
	var doc sessionDocument

	err := p.readJSON(sessionPath(p, id), &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.ErrSessionNotFound
	} else if err != nil {
		return nil, err
	}

	return &doc, nil
}

func sessionIDs(p *Persistence) ([]int64, error) {
	entries, err := os.ReadDir(p.dir("sessions"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var ids []int64

	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")

		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}

	// ReadDir sorts lexically; re-sort numerically.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}

	return ids, nil
}

// Task repository

type taskRepo struct {
	p *Persistence
}

func (r *taskRepo) SessionTasks(_ context.Context, sessionID int64) ([]*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, err := loadSession(r.p, sessionID)
	if err != nil {
		return nil, err
	}

	return sortedTasks(doc), nil
}

func (r *taskRepo) Tasks(_ context.Context, sessionID int64, pageSize int, lastID string) ([]*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, err := loadSession(r.p, sessionID)
	if err != nil {
		return nil, err
	}

	ascending := sortedTasks(doc)

	var page []*models.Task

	for i := len(ascending) - 1; i >= 0; i-- {
		if lastID != "" && ascending[i].ID >= lastID {
			continue
		}

		page = append(page, ascending[i])

		if pageSize > 0 && len(page) == pageSize {
			break
		}
	}

	return page, nil
}

func (r *taskRepo) TaskByID(_ context.Context, sessionID int64, taskID string) (*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, err := loadSession(r.p, sessionID)
	if err != nil {
		return nil, err
	}

	task, ok := doc.Tasks[taskID]
	if !ok {
		return nil, persistence.ErrTaskNotFound
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) TaskByLease(_ context.Context, token string) (*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	_, task, err := r.findLease(token)
	if err != nil {
		return nil, err
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) MarkReady(_ context.Context, sessionID int64, taskID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.mutate(sessionID, taskID, func(task *models.Task) error {
		if task.State != models.TaskStateBlocked && task.State != models.TaskStateRetryWaiting {
			return persistence.NewTaskError("MarkReady", sessionID, taskID, persistence.ErrStateConflict)
		}

		task.State = models.TaskStateReady
		task.RetryAt = nil

		return nil
	})
}

func (r *taskRepo) MarkCanceled(_ context.Context, sessionID int64, taskID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.mutate(sessionID, taskID, func(task *models.Task) error {
		if task.State.IsTerminal() {
			return nil
		}

		task.State = models.TaskStateCanceled
		task.LeaseToken = ""
		task.LeaseDeadline = nil
		task.RetryAt = nil

		return nil
	})
}

func (r *taskRepo) Lease(_ context.Context, capabilities []string, token string, deadline time.Time) (*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	allowed := make(map[string]bool, len(capabilities))
	for _, capability := range capabilities {
		allowed[capability] = true
	}

	ids, err := sessionIDs(r.p)
	if err != nil {
		return nil, err
	}

	for _, sessionID := range ids {
		doc, err := loadSession(r.p, sessionID)
		if err != nil {
			return nil, err
		}

		for _, task := range sortedTasks(doc) {
			if task.State != models.TaskStateReady {
				continue
			}

			if len(allowed) > 0 && !allowed[task.Capability] {
				continue
			}

			claimed := doc.Tasks[task.ID]
			claimed.State = models.TaskStateRunning
			claimed.LeaseToken = token
			leaseDeadline := deadline
			claimed.LeaseDeadline = &leaseDeadline
			claimed.UpdatedAt = time.Now().UTC()

			if err := r.p.writeJSON(sessionPath(r.p, sessionID), doc); err != nil {
				return nil, err
			}

			copied := *claimed

			return &copied, nil
		}
	}

	return nil, nil
}

func (r *taskRepo) ExtendLease(_ context.Context, token string, deadline time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, task, err := r.findLease(token)
	if err != nil {
		return err
	}

	extended := deadline
	task.LeaseDeadline = &extended
	task.UpdatedAt = time.Now().UTC()

	return r.p.writeJSON(sessionPath(r.p, task.SessionID), doc)
}

func (r *taskRepo) CompleteLease(_ context.Context, token string, result models.TaskResult, retryAt time.Time) (*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	doc, task, err := r.findLease(token)
	if err != nil {
		return nil, err
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

	if err := r.p.writeJSON(sessionPath(r.p, task.SessionID), doc); err != nil {
		return nil, err
	}

	copied := *task

	return &copied, nil
}

func (r *taskRepo) ExpireLeases(_ context.Context, now time.Time) ([]*models.Task, error) {
	return r.sweep(func(task *models.Task) bool {
		if task.State != models.TaskStateRunning || task.LeaseDeadline == nil {
			return false
		}

		if task.LeaseDeadline.After(now) {
			return false
		}

		task.State = models.TaskStateReady
		task.LeaseToken = ""
		task.LeaseDeadline = nil

		return true
	})
}

func (r *taskRepo) DueRetries(_ context.Context, now time.Time) ([]*models.Task, error) {
	return r.sweep(func(task *models.Task) bool {
		if task.State != models.TaskStateRetryWaiting || task.RetryAt == nil {
			return false
		}

		if task.RetryAt.After(now) {
			return false
		}

		task.State = models.TaskStateReady
		task.RetryAt = nil

		return true
	})
}

// sweep applies the mutation to every task it matches and persists any
// session document it changed, returning the mutated tasks.
func (r *taskRepo) sweep(match func(*models.Task) bool) ([]*models.Task, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	ids, err := sessionIDs(r.p)
	if err != nil {
		return nil, err
	}

	var touched []*models.Task

	for _, sessionID := range ids {
		doc, err := loadSession(r.p, sessionID)
		if err != nil {
			return nil, err
		}

		changed := false

		for _, task := range sortedTasks(doc) {
			stored := doc.Tasks[task.ID]
			if match(stored) {
				stored.UpdatedAt = time.Now().UTC()
				changed = true

				copied := *stored
				touched = append(touched, &copied)
			}
		}

		if changed {
			if err := r.p.writeJSON(sessionPath(r.p, sessionID), doc); err != nil {
				return nil, err
			}
		}
	}

	return touched, nil
}

func (r *taskRepo) mutate(sessionID int64, taskID string, apply func(*models.Task) error) error {
	doc, err := loadSession(r.p, sessionID)
	if err != nil {
		return err
	}

	task, ok := doc.Tasks[taskID]
	if !ok {
		return persistence.ErrTaskNotFound
	}

	if err := apply(task); err != nil {
		return err
	}

	task.UpdatedAt = time.Now().UTC()

	return r.p.writeJSON(sessionPath(r.p, sessionID), doc)
}

func (r *taskRepo) findLease(token string) (*sessionDocument, *models.Task, error) {
	if token == "" {
		return nil, nil, persistence.ErrLeaseNotFound
	}

	ids, err := sessionIDs(r.p)
	if err != nil {
		return nil, nil, err
	}

	for _, sessionID := range ids {
		doc, err := loadSession(r.p, sessionID)
		if err != nil {
			return nil, nil, err
		}

		for _, task := range doc.Tasks {
			if task.State == models.TaskStateRunning && task.LeaseToken == token {
				return doc, task, nil
			}
		}
	}

	return nil, nil, persistence.ErrLeaseNotFound
}

func sortedTasks(doc *sessionDocument) []*models.Task {
	tasks := make([]*models.Task, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		tasks = append(tasks, task)
	}

	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].ID < tasks[j-1].ID; j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}

	return tasks
}

// Schedule repository

type scheduleRepo struct {
	p *Persistence
}

func (r *scheduleRepo) path(workflowID string) string {
	return r.p.dir("schedules", workflowID+".json")
}

func (r *scheduleRepo) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.writeJSON(r.path(schedule.WorkflowID), schedule)
}

func (r *scheduleRepo) ScheduleByWorkflowID(_ context.Context, workflowID string) (*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.load(workflowID)
}

func (r *scheduleRepo) Schedules(_ context.Context) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	entries, err := os.ReadDir(r.p.dir("schedules"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var schedules []*models.Schedule

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		schedule, err := r.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		schedules = append(schedules, schedule)
	}

	return schedules, nil
}

func (r *scheduleRepo) DueSchedules(_ context.Context, before time.Time) ([]*models.Schedule, error) {
	all, err := r.Schedules(context.Background())
	if err != nil {
		return nil, err
	}

	var due []*models.Schedule

	for _, schedule := range all {
		if schedule.IsDue(before) {
			due = append(due, schedule)
		}
	}

	return due, nil
}

func (r *scheduleRepo) AdvanceSchedule(_ context.Context, schedule *models.Schedule, expect time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, err := r.load(schedule.WorkflowID)
	if err != nil {
		return err
	}

	if !stored.NextScheduleTime.Equal(expect) {
		return persistence.ErrScheduleConflict
	}

	return r.p.writeJSON(r.path(schedule.WorkflowID), schedule)
}

func (r *scheduleRepo) DeleteSchedule(_ context.Context, workflowID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	err := os.Remove(r.path(workflowID))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.ErrScheduleNotFound
	}

	return err
}

func (r *scheduleRepo) load(workflowID string) (*models.Schedule, error) {
	var schedule models.Schedule

	err := r.p.readJSON(r.path(workflowID), &schedule)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.ErrScheduleNotFound
	} else if err != nil {
		return nil, err
	}

	return &schedule, nil
}
