package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"reportflow/internal/download"
	"reportflow/internal/ledger"
	"reportflow/internal/orchestrator"
	"reportflow/internal/poller"
	"reportflow/internal/remote"
	"reportflow/internal/task"
	"reportflow/internal/version"
)

type startRequest struct {
	TaskID   string `json:"task_id"`
	ReportID string `json:"report_id"`
}

type networkRequest struct {
	Online *bool `json:"online"`
}

type beginUploadRequest struct {
	ReportID   string `json:"report_id"`
	TotalFiles int    `json:"total_files"`
}

type uploadProgressRequest struct {
	UploadedFiles *int   `json:"uploaded_files"`
	Error         string `json:"error"`
}

type createVersionRequest struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

type downloadRequest struct {
	Filename string `json:"filename"`
}

type API struct {
	store *orchestrator.Store
}

func NewAPI(store *orchestrator.Store) *API {
	return &API{store: store}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/state", a.GetState)
		api.GET("/state/stream", a.StreamState)
		// the unload beacon is sent as the page goes away, not by the user
		api.POST("/session/unload", a.Unload)
	}

	// everything below is user initiated and keeps the session alive
	user := api.Group("", Activity(a.store))
	{
		user.POST("/tasks", a.StartTask)
		user.POST("/tasks/reconnect", a.ReconnectTask)
		user.DELETE("/tasks/current", a.CancelTask)

		user.POST("/activity", a.Activity)
		user.POST("/network", a.NetworkChanged)

		user.POST("/uploads", a.BeginUpload)
		user.PATCH("/uploads", a.UpdateUpload)

		user.POST("/reports/:reportId/versions", a.CreateVersion)
		user.GET("/reports/:reportId/versions", a.ListVersions)
		user.GET("/versions/compare", a.CompareVersions)
		user.POST("/versions/:id/switch", a.SwitchVersion)
		user.POST("/versions/:id/download", a.DownloadVersion)
	}
}

// GetState returns the current orchestration state
func (a *API) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, a.store.Snapshot())
}

// StartTask begins tracking a task the pipeline accepted
func (a *API) StartTask(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid start request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	started, err := a.store.Start(c.Request.Context(), orchestrator.StartRequest{TaskID: req.TaskID, ReportID: req.ReportID})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, started)
}

// ReconnectTask re-attaches to a task already running remotely
func (a *API) ReconnectTask(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid reconnect request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	restored, err := a.store.Reconnect(c.Request.Context(), req.TaskID, req.ReportID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, restored)
}

// CancelTask cancels the current task; the remote cancel is not awaited
func (a *API) CancelTask(c *gin.Context) {
	cancelled, err := a.store.Cancel(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cancelled)
}

// Activity only refreshes the session clock, which the middleware already did
func (a *API) Activity(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (a *API) NetworkChanged(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online flag required"})
		return
	}
	a.store.NetworkChanged(*req.Online)
	c.Status(http.StatusNoContent)
}

// Unload fires the temp file cleanup beacon for the current report
func (a *API) Unload(c *gin.Context) {
	reportID, ok := a.store.Unload()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"report_id": reportID})
}

func (a *API) BeginUpload(c *gin.Context) {
	var req beginUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	state, err := a.store.BeginUpload(req.ReportID, req.TotalFiles)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (a *API) UpdateUpload(c *gin.Context) {
	var req uploadProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	var (
		state orchestrator.UploadState
		err   error
	)
	switch {
	case req.Error != "":
		state, err = a.store.UploadFailed(req.Error)
	case req.UploadedFiles != nil:
		state, err = a.store.UploadProgress(*req.UploadedFiles)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded_files or error required"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (a *API) CreateVersion(c *gin.Context) {
	var req createVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	created, err := a.store.Versions().CreateVersion(c.Request.Context(), c.Param("reportId"), req.Label, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (a *API) ListVersions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"versions": a.store.Versions().List(c.Param("reportId"))})
}

// SwitchVersion makes a known version current and returns its content
func (a *API) SwitchVersion(c *gin.Context) {
	id := c.Param("id")
	content, ok, err := a.store.Versions().SwitchVersion(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		log.Warn().Str("version_id", id).Msg("switch to unknown version ignored")
		c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
		return
	}
	c.JSON(http.StatusOK, content)
}

func (a *API) CompareVersions(c *gin.Context) {
	diff, err := a.store.Versions().CompareVersions(c.Request.Context(), c.Query("v1"), c.Query("v2"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// DownloadVersion saves the version file into the download directory
func (a *API) DownloadVersion(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	res, err := a.store.Versions().DownloadVersion(c.Request.Context(), c.Param("id"), req.Filename)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	evt := log.Warn()
	if code >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("path", c.FullPath()).Int("status", code).Err(err).Msg("request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrMissingTaskID),
		errors.Is(err, orchestrator.ErrInvalidUpload),
		errors.Is(err, version.ErrMissingReportID),
		errors.Is(err, version.ErrMissingVersion),
		errors.Is(err, remote.ErrEmptyID),
		errors.Is(err, download.ErrBadFilename):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDuplicateTransaction),
		orchestrator.IsLocalContractError(err),
		errors.Is(err, orchestrator.ErrNoUpload):
		return http.StatusConflict
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case remote.IsTransient(err),
		errors.Is(err, remote.ErrInvalidResponse),
		errors.Is(err, poller.ErrServer):
		return http.StatusBadGateway
	}
	var se *remote.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
