package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
	"github.com/fluxionlabs/fluxion/pkg/scheduler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type APIHandlers struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(p persistence.Persistence, publisher eventbus.EventPublisher, validate *validator.Validate, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		publisher:   publisher,
		validator:   validate,
		logger:      logger.With("module", "web"),
	}
}

// Register mounts every API route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/trigger", h.TriggerWorkflow)

	s := app.Group("/sessions")
	s.Get("/", h.GetSessions)
	s.Get("/:id", h.GetSession)
	s.Get("/:id/tasks", h.GetSessionTasks)
	s.Post("/:id/cancel", h.CancelSession)

	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.Workflows().Workflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// CreateWorkflow registers a workflow definition. The body is checked three
// ways: against the JSON schema, by struct validation, and structurally
// (unique ids, resolvable edges, acyclic). A trigger in the definition
// creates or replaces the workflow's schedule.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var raw map[string]any
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := definition.ValidateRaw(raw); err != nil {
		return badRequest(c, err.Error())
	}

	var def definition.WorkflowDefinition
	if err := json.Unmarshal(c.Body(), &def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(def); err != nil {
		return badRequest(c, err.Error())
	}

	if err := def.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	if err := h.persistence.Workflows().SaveWorkflow(c.Context(), &def); err != nil {
		return handlePersistenceError(c, err)
	}

	if def.Trigger != nil {
		schedule, err := models.NewSchedule(def.ID, def.Trigger.CronExpression, def.Trigger.RunDelay)
		if err != nil {
			return badRequest(c, err.Error())
		}

		if err := h.persistence.Schedules().SaveSchedule(c.Context(), schedule); err != nil {
			return handlePersistenceError(c, err)
		}
	}

	h.logger.Info("Workflow registered", "workflow_id", def.ID, "scheduled", def.Trigger != nil)

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	def, err := h.persistence.Workflows().WorkflowByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	err := h.persistence.Schedules().DeleteSchedule(c.Context(), id)
	if err != nil && !persistence.IsNotFound(err) {
		return internalError(c, err)
	}

	if err := h.persistence.Workflows().DeleteWorkflow(c.Context(), id); err != nil {
		return handlePersistenceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// TriggerWorkflow mints a session on demand. Repeating the request with the
// same scheduled_at is rejected with a conflict, same as a schedule instant
// firing twice.
func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req TriggerSessionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	sessionID, err := scheduler.Trigger(c.Context(), h.persistence, h.publisher, h.logger, id, scheduledAt)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TriggerSessionResponse{SessionID: sessionID})
}

func (h *APIHandlers) GetSessions(c fiber.Ctx) error {
	pageSize, lastID, err := paginationParams(c)
	if err != nil {
		return badRequest(c, "Invalid pagination parameters: "+err.Error())
	}

	sessions, err := h.persistence.Sessions().Sessions(c.Context(), c.Query("workflow_id"), pageSize, lastID)
	if err != nil {
		return internalError(c, err)
	}

	responses := make([]SessionResponse, 0, len(sessions))

	for _, session := range sessions {
		tasks, err := h.persistence.Tasks().SessionTasks(c.Context(), session.ID)
		if err != nil {
			return internalError(c, err)
		}

		responses = append(responses, TransformSessionResponse(session, tasks))
	}

	return c.JSON(fiber.Map{
		"sessions":  responses,
		"count":     len(responses),
		"page_size": pageSize,
	})
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return badRequest(c, "Invalid session ID")
	}

	session, err := h.persistence.Sessions().SessionByID(c.Context(), sessionID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	tasks, err := h.persistence.Tasks().SessionTasks(c.Context(), sessionID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(TransformSessionResponse(session, tasks))
}

func (h *APIHandlers) GetSessionTasks(c fiber.Ctx) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return badRequest(c, "Invalid session ID")
	}

	pageSize, err := pageSizeParam(c)
	if err != nil {
		return badRequest(c, "Invalid pagination parameters: "+err.Error())
	}

	tasks, err := h.persistence.Tasks().Tasks(c.Context(), sessionID, pageSize, c.Query("last_id"))
	if err != nil {
		return handlePersistenceError(c, err)
	}

	responses := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, TransformTaskResponse(task))
	}

	return c.JSON(fiber.Map{
		"tasks":     responses,
		"count":     len(responses),
		"page_size": pageSize,
	})
}

// CancelSession marks the session canceled and announces it. The coordinator
// picks the cancel up and winds the remaining tasks down.
func (h *APIHandlers) CancelSession(c fiber.Ctx) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return badRequest(c, "Invalid session ID")
	}

	if err := h.persistence.Sessions().CancelSession(c.Context(), sessionID); err != nil {
		return handlePersistenceError(c, err)
	}

	if h.publisher != nil {
		event := events.SessionCanceled{
			BaseEvent: events.NewBaseEvent(events.SessionCanceledEvent, sessionID),
		}

		if err := h.publisher.Publish(c.Context(), strconv.FormatInt(sessionID, 10), event); err != nil {
			h.logger.Error("Failed to publish session canceled event",
				"session_id", sessionID, "error", err)
		}
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func sessionIDParam(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func pageSizeParam(c fiber.Ctx) (int, error) {
	pageSize := defaultPageSize

	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, err
		}

		pageSize = parsed
	}

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return pageSize, nil
}

func paginationParams(c fiber.Ctx) (int, int64, error) {
	pageSize, err := pageSizeParam(c)
	if err != nil {
		return 0, 0, err
	}

	var lastID int64

	if raw := c.Query("last_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, err
		}

		lastID = parsed
	}

	return pageSize, lastID, nil
}
