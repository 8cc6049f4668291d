// Package api is the HTTP adapter of the refset lifecycle engine. Jobs are
// started with POST and observed through the lock endpoints, which answer
// with one discriminated shape: {"state":"locked"|"result"|"idle","payload":...}.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/davidroman0O/refsetlite"
	"github.com/davidroman0O/refsetlite/internal/compare"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Service is the part of the engine the handlers drive.
type Service interface {
	CreateRefset(ctx context.Context, actor types.Actor, in refsetlite.CreateRefsetInput) (*types.RefsetVersion, error)
	GetVersion(ctx context.Context, actor types.Actor, id types.VersionID) (*types.RefsetVersion, error)
	FindVersions(ctx context.Context, actor types.Actor, q types.VersionQuery) ([]*types.RefsetVersion, int, error)
	Draft(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error)
	LatestPublished(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error)
	Members(ctx context.Context, actor types.Actor, id types.VersionID, activeOnly bool) ([]types.RefsetMember, error)
	History(ctx context.Context, actor types.Actor, refsetID types.RefsetID) ([]types.WorkflowHistory, error)
	CreateNewRefsetVersion(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error)
	DeleteInDevelopmentVersion(ctx context.Context, actor types.Actor, refsetID types.RefsetID) error
	ApplyWorkflowAction(ctx context.Context, actor types.Actor, id types.VersionID, action types.WorkflowAction, notes string) (*types.RefsetVersion, error)
	AvailableActions(ctx context.Context, actor types.Actor, id types.VersionID) ([]types.WorkflowAction, error)

	AddMembers(ctx context.Context, actor types.Actor, refsetID types.RefsetID, src types.MemberSource) (types.JobStatus, error)
	RemoveMembers(ctx context.Context, actor types.Actor, refsetID types.RefsetID, src types.MemberSource) (types.JobStatus, error)
	UpdateDefinition(ctx context.Context, actor types.Actor, refsetID types.RefsetID, def types.Definition) (types.JobStatus, error)
	RecalculateDefinition(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.JobStatus, error)
	ConvertToExtensional(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.JobStatus, error)
	AddDefinitionException(ctx context.Context, actor types.Actor, refsetID types.RefsetID, exception types.DefinitionException) (types.JobStatus, error)
	RemoveDefinitionException(ctx context.Context, actor types.Actor, refsetID types.RefsetID, code string) (types.JobStatus, error)

	CompileUpgradeData(ctx context.Context, actor types.Actor, versionID types.VersionID, targetBranch string) (types.JobStatus, error)
	BatchCompileUpgradeData(ctx context.Context, actor types.Actor, versionIDs []types.VersionID, targetBranch string) (types.JobStatus, error)
	UpgradeData(ctx context.Context, actor types.Actor, versionID types.VersionID) ([]types.UpgradeInactiveConcept, error)
	AcceptReplacement(ctx context.Context, actor types.Actor, versionID types.VersionID, code, replacement string) (types.JobStatus, error)
	SetManualReplacement(ctx context.Context, actor types.Actor, versionID types.VersionID, code, replacement string) (types.JobStatus, error)
	RemoveInactive(ctx context.Context, actor types.Actor, versionID types.VersionID, code string) (types.JobStatus, error)
	AcceptAllReplacements(ctx context.Context, actor types.Actor, versionID types.VersionID) (types.JobStatus, error)
	RemoveAllInactive(ctx context.Context, actor types.Actor, versionID types.VersionID) (types.JobStatus, error)
	CompleteUpgrade(ctx context.Context, actor types.Actor, versionID types.VersionID, targetBranch string) (types.JobStatus, error)

	CompileComparison(ctx context.Context, actor types.Actor, session string, left, right types.VersionID) (types.JobStatus, error)
	TakeComparison(actor types.Actor, session, handle string) (*compare.Comparison, error)

	Poll(ctx context.Context, actor types.Actor, key string) (types.PollResult, error)
	PollRefset(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.PollResult, error)
	PollComparison(actor types.Actor, session string) (types.PollResult, error)
}

var _ Service = (*refsetlite.Refsetlite)(nil)

type Handlers struct {
	service  Service
	validate *validator.Validate
	logger   logger.Logger
}

func NewHandlers(service Service, log logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Handlers{
		service:  service,
		validate: validator.New(),
		logger:   log,
	}
}

const actorKey = "refsetlite_actor"

// Authenticated reads the identity forwarded by the upstream gateway:
// X-User, X-Roles and X-Projects (comma separated).
func Authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader("X-User"))
		if username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-User header"})
			return
		}
		actor := types.Actor{Username: username}
		for _, r := range splitHeader(c.GetHeader("X-Roles")) {
			role, ok := types.ParseRole(strings.ToUpper(r))
			if !ok {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role " + r})
				return
			}
			actor.Roles = append(actor.Roles, role)
		}
		for _, p := range splitHeader(c.GetHeader("X-Projects")) {
			actor.Projects = append(actor.Projects, types.ProjectID(p))
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func splitHeader(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func actorOf(c *gin.Context) types.Actor {
	if v, ok := c.Get(actorKey); ok {
		return v.(types.Actor)
	}
	return types.Actor{}
}

// RegisterRoutes mounts every endpoint on rg. rg must run Authenticated.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	refsets := rg.Group("/refsets")
	{
		refsets.POST("", h.HandleCreateRefset)
		refsets.GET("", h.HandleFindVersions)
		refsets.GET("/:id/draft", h.HandleDraft)
		refsets.DELETE("/:id/draft", h.HandleDeleteDraft)
		refsets.GET("/:id/latest", h.HandleLatest)
		refsets.GET("/:id/history", h.HandleHistory)
		refsets.POST("/:id/versions", h.HandleNewVersion)
		refsets.GET("/:id/lock", h.HandlePollRefset)

		refsets.POST("/:id/members/add", h.HandleAddMembers)
		refsets.POST("/:id/members/remove", h.HandleRemoveMembers)

		refsets.PUT("/:id/definition", h.HandleUpdateDefinition)
		refsets.POST("/:id/definition/recalculate", h.HandleRecalculate)
		refsets.POST("/:id/definition/convert", h.HandleConvert)
		refsets.POST("/:id/definition/exceptions", h.HandleAddException)
		refsets.DELETE("/:id/definition/exceptions/:code", h.HandleRemoveException)
	}

	versions := rg.Group("/versions")
	{
		versions.GET("/:vid", h.HandleGetVersion)
		versions.GET("/:vid/members", h.HandleMembers)
		versions.GET("/:vid/actions", h.HandleAvailableActions)
		versions.POST("/:vid/workflow", h.HandleWorkflow)

		versions.POST("/:vid/upgrade", h.HandleCompileUpgrade)
		versions.GET("/:vid/upgrade", h.HandleUpgradeData)
		versions.POST("/:vid/upgrade/accept", h.HandleAcceptReplacement)
		versions.POST("/:vid/upgrade/manual", h.HandleSetManualReplacement)
		versions.POST("/:vid/upgrade/remove", h.HandleRemoveInactive)
		versions.POST("/:vid/upgrade/accept-all", h.HandleAcceptAll)
		versions.POST("/:vid/upgrade/remove-all", h.HandleRemoveAll)
		versions.POST("/:vid/upgrade/complete", h.HandleCompleteUpgrade)
	}

	rg.POST("/upgrades/batch", h.HandleBatchUpgrade)

	comparisons := rg.Group("/comparisons")
	{
		comparisons.POST("", h.HandleCompileComparison)
		comparisons.GET("/:session/lock", h.HandlePollComparison)
		comparisons.GET("/:session/:handle", h.HandleTakeComparison)
	}

	rg.GET("/jobs/:key", h.HandlePollJob)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := types.Classify(err)
	body := gin.H{"error": types.PublicMessage(err), "kind": kind.String()}
	status := http.StatusInternalServerError
	switch kind {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindForbidden:
		status = http.StatusForbidden
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindLocked:
		status = http.StatusConflict
		body["locked"] = true
	case types.KindConflict:
		status = http.StatusConflict
	case types.KindBusy:
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error(c.Request.Context(), "Request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *Handlers) bind(c *gin.Context, into any) bool {
	if err := c.ShouldBindJSON(into); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": types.KindValidation.String()})
		return false
	}
	if err := h.validate.Struct(into); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": types.KindValidation.String()})
		return false
	}
	return true
}
