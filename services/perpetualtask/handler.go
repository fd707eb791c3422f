package perpetualtask

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler exposes the manager surface over HTTP/JSON: the delegate RPC
// surface (assignments, execution context, heartbeat) and the admin
// operations consumed by upstream layers.
type Handler struct {
	coordinator *Coordinator
	assigner    *Assigner
}

func NewHandler(coordinator *Coordinator, assigner *Assigner) *Handler {
	return &Handler{coordinator: coordinator, assigner: assigner}
}

// NewEngine builds the gin engine with all routes registered.
func NewEngine(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		// delegate surface
		v1.GET("/delegates/:delegate_id/tasks", h.ListAssignedTasks)
		v1.GET("/tasks/:task_id/context", h.GetExecutionContext)
		v1.POST("/tasks/:task_id/heartbeat", h.Heartbeat)

		// admin surface
		v1.POST("/tasks", h.CreateTask)
		v1.GET("/tasks", h.ListTasks)
		v1.POST("/tasks/:task_id/reset", h.ResetTask)
		v1.POST("/tasks/:task_id/assign", h.AssignTask)
		v1.DELETE("/tasks/:task_id", h.DeleteTask)
		v1.POST("/schedules", h.BulkReschedule)
		v1.PUT("/schedule-overrides", h.SaveScheduleOverride)
		v1.GET("/schedule-overrides/interval", h.EffectiveInterval)
	}

	return r
}

func parseInt64(raw string, out *int64) error {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

func abortWithError(c *gin.Context, err error) {
	st, _ := status.FromError(err)
	httpCode := http.StatusInternalServerError
	switch st.Code() {
	case codes.NotFound:
		httpCode = http.StatusNotFound
	case codes.InvalidArgument:
		httpCode = http.StatusBadRequest
	case codes.AlreadyExists:
		httpCode = http.StatusConflict
	}
	c.JSON(httpCode, gin.H{"error": st.Message()})
}

func (h *Handler) ListAssignedTasks(c *gin.Context) {
	delegateID := c.Param("delegate_id")

	// A poll that names its account also picks up any pending work.
	if accountID := c.Query("account_id"); accountID != "" {
		h.assigner.AssignPending(c.Request.Context(), accountID, delegateID)
	}

	views, err := h.coordinator.ListAssignments(c.Request.Context(), delegateID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (h *Handler) GetExecutionContext(c *gin.Context) {
	ec, err := h.coordinator.ExecutionContext(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ec)
}

type heartbeatRequest struct {
	Timestamp int64            `json:"timestamp" binding:"required"`
	Outcome   ExecutionOutcome `json:"outcome"`
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := h.coordinator.TriggerCallback(c.Request.Context(), c.Param("task_id"), req.Timestamp, req.Outcome)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type createTaskRequest struct {
	TaskType        string            `json:"task_type" binding:"required"`
	AccountID       string            `json:"account_id" binding:"required"`
	Params          map[string]string `json:"params"`
	ExecutionBundle []byte            `json:"execution_bundle"`
	IntervalSeconds int64             `json:"interval_seconds"`
	TimeoutMillis   int64             `json:"timeout_millis"`
	AllowDuplicates bool              `json:"allow_duplicates"`
	Description     string            `json:"description"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.coordinator.CreateTask(c.Request.Context(), CreateTaskInput{
		TaskType:  req.TaskType,
		AccountID: req.AccountID,
		Context: ClientContext{
			Params:          req.Params,
			ExecutionBundle: req.ExecutionBundle,
		},
		Schedule: ScheduleConfig{
			IntervalSeconds: req.IntervalSeconds,
			TimeoutMillis:   req.TimeoutMillis,
		},
		AllowDuplicates: req.AllowDuplicates,
		Description:     req.Description,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id})
}

func (h *Handler) ListTasks(c *gin.Context) {
	records, err := h.coordinator.ListTasks(c.Request.Context(), c.Query("account_id"), c.Query("task_type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records})
}

type resetTaskRequest struct {
	AccountID       string `json:"account_id" binding:"required"`
	ExecutionBundle []byte `json:"execution_bundle"`
}

func (h *Handler) ResetTask(c *gin.Context) {
	var req resetTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.coordinator.ResetTask(c.Request.Context(), req.AccountID, c.Param("task_id"), req.ExecutionBundle)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

type assignTaskRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	DelegateID     string `json:"delegate_id" binding:"required"`
	ContextVersion int64  `json:"context_version"`
}

func (h *Handler) AssignTask(c *gin.Context) {
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.AppointDelegate(c.Request.Context(), req.AccountID, c.Param("task_id"), req.DelegateID, req.ContextVersion); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": true})
}

func (h *Handler) DeleteTask(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	deleted, err := h.coordinator.DeleteTask(c.Request.Context(), accountID, c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "task record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type bulkRescheduleRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	TaskType       string `json:"task_type" binding:"required"`
	IntervalMillis int64  `json:"interval_millis" binding:"required"`
}

func (h *Handler) BulkReschedule(c *gin.Context) {
	var req bulkRescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count, err := h.coordinator.UpdateTasksSchedule(c.Request.Context(), req.AccountID, req.TaskType, req.IntervalMillis)
	if err != nil {
		abortWithError(c, err)
		return
	}
	zap.L().Info("bulk rescheduled tasks",
		zap.String("account_id", req.AccountID),
		zap.String("task_type", req.TaskType),
		zap.Int64("count", count),
	)
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

type overrideRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	TaskType       string `json:"task_type" binding:"required"`
	IntervalMillis int64  `json:"interval_millis" binding:"required"`
}

func (h *Handler) SaveScheduleOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.SaveScheduleOverride(c.Request.Context(), req.AccountID, req.TaskType, req.IntervalMillis); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (h *Handler) EffectiveInterval(c *gin.Context) {
	var schedule ScheduleConfig
	if raw := c.Query("interval_seconds"); raw != "" {
		if err := parseInt64(raw, &schedule.IntervalSeconds); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval_seconds"})
			return
		}
	}

	interval, err := h.coordinator.TaskInterval(c.Request.Context(), schedule, c.Query("account_id"), c.Query("task_type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interval_seconds": interval})
}
