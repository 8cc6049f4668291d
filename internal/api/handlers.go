package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/davidroman0O/refsetlite"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/gin-gonic/gin"
)

type createRefsetRequest struct {
	RefsetID       string           `json:"refsetId"`
	Name           string           `json:"name"`
	ProjectID      string           `json:"projectId"`
	WorkflowType   string           `json:"workflowType"`
	DefinitionType string           `json:"definitionType"`
	Definition     types.Definition `json:"definition"`
	IsPrivate      bool             `json:"isPrivate"`
	Branch         string           `json:"branch"`
	ModuleID       string           `json:"moduleId"`
}

func (h *Handlers) HandleCreateRefset(c *gin.Context) {
	var req createRefsetRequest
	if !h.bind(c, &req) {
		return
	}
	v, err := h.service.CreateRefset(c.Request.Context(), actorOf(c), refsetlite.CreateRefsetInput{
		RefsetID:       types.RefsetID(req.RefsetID),
		Name:           req.Name,
		ProjectID:      types.ProjectID(req.ProjectID),
		WorkflowType:   types.WorkflowType(req.WorkflowType),
		DefinitionType: types.DefinitionType(req.DefinitionType),
		Definition:     req.Definition,
		IsPrivate:      req.IsPrivate,
		Branch:         req.Branch,
		ModuleID:       req.ModuleID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// HandleFindVersions accepts refsetId, projectId, status, draft, offset,
// limit, sort and asc query parameters.
func (h *Handlers) HandleFindVersions(c *gin.Context) {
	q := types.VersionQuery{
		RefsetID:  types.RefsetID(c.Query("refsetId")),
		ProjectID: types.ProjectID(c.Query("projectId")),
		Status:    types.WorkflowStatus(c.Query("status")),
		DraftOnly: c.Query("draft") == "true",
		Page: types.PageRequest{
			SortField: c.Query("sort"),
			Ascending: c.Query("asc") == "true",
		},
	}
	var err error
	if q.Page.Offset, err = intQuery(c, "offset"); err != nil {
		h.writeError(c, err)
		return
	}
	if q.Page.Limit, err = intQuery(c, "limit"); err != nil {
		h.writeError(c, err)
		return
	}
	versions, total, err := h.service.FindVersions(c.Request.Context(), actorOf(c), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": versions, "total": total})
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.ErrValidation
	}
	return n, nil
}

func refsetParam(c *gin.Context) types.RefsetID {
	return types.RefsetID(c.Param("id"))
}

func versionParam(c *gin.Context) types.VersionID {
	return types.VersionID(c.Param("vid"))
}

func (h *Handlers) HandleDraft(c *gin.Context) {
	v, err := h.service.Draft(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, v, err)
}

func (h *Handlers) HandleDeleteDraft(c *gin.Context) {
	if err := h.service.DeleteInDevelopmentVersion(c.Request.Context(), actorOf(c), refsetParam(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) HandleLatest(c *gin.Context) {
	v, err := h.service.LatestPublished(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, v, err)
}

func (h *Handlers) HandleHistory(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, history, err)
}

func (h *Handlers) HandleNewVersion(c *gin.Context) {
	v, err := h.service.CreateNewRefsetVersion(c.Request.Context(), actorOf(c), refsetParam(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handlers) HandleGetVersion(c *gin.Context) {
	v, err := h.service.GetVersion(c.Request.Context(), actorOf(c), versionParam(c))
	h.respond(c, v, err)
}

func (h *Handlers) HandleMembers(c *gin.Context) {
	members, err := h.service.Members(c.Request.Context(), actorOf(c), versionParam(c), c.Query("all") != "true")
	h.respond(c, members, err)
}

func (h *Handlers) HandleAvailableActions(c *gin.Context) {
	actions, err := h.service.AvailableActions(c.Request.Context(), actorOf(c), versionParam(c))
	h.respond(c, gin.H{"actions": actions}, err)
}

type workflowRequest struct {
	Action string `json:"action" validate:"required"`
	Notes  string `json:"notes"`
}

func (h *Handlers) HandleWorkflow(c *gin.Context) {
	var req workflowRequest
	if !h.bind(c, &req) {
		return
	}
	action, err := types.ParseWorkflowAction(strings.ToUpper(req.Action))
	if err != nil {
		h.writeError(c, err)
		return
	}
	v, err := h.service.ApplyWorkflowAction(c.Request.Context(), actorOf(c), versionParam(c), action, req.Notes)
	h.respond(c, v, err)
}

type membersRequest struct {
	Codes string `json:"codes" validate:"required_without=Query,excluded_with=Query"`
	Query string `json:"query"`
}

// memberSource reads either a JSON body or a multipart upload under "file"
// with an optional "format" field (DELIMITED or RF2).
func (h *Handlers) memberSource(c *gin.Context) (types.MemberSource, bool) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			h.writeError(c, types.ErrValidation)
			return types.MemberSource{}, false
		}
		f, err := header.Open()
		if err != nil {
			h.writeError(c, err)
			return types.MemberSource{}, false
		}
		format := types.FileFormat(strings.ToUpper(c.DefaultPostForm("format", string(types.FormatDelimited))))
		if format != types.FormatDelimited && format != types.FormatRF2 {
			f.Close()
			h.writeError(c, types.ErrValidation)
			return types.MemberSource{}, false
		}
		// closed by the handler once the job returns
		c.Set("upload", f)
		return types.FileSource(f, format), true
	}
	var req membersRequest
	if !h.bind(c, &req) {
		return types.MemberSource{}, false
	}
	if req.Query != "" {
		return types.QuerySource(req.Query), true
	}
	return types.CodesSource(req.Codes), true
}

func closeUpload(c *gin.Context) {
	if v, ok := c.Get("upload"); ok {
		if closer, ok := v.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
}

func (h *Handlers) HandleAddMembers(c *gin.Context) {
	src, ok := h.memberSource(c)
	if !ok {
		return
	}
	defer closeUpload(c)
	status, err := h.service.AddMembers(c.Request.Context(), actorOf(c), refsetParam(c), src)
	h.respond(c, status, err)
}

func (h *Handlers) HandleRemoveMembers(c *gin.Context) {
	src, ok := h.memberSource(c)
	if !ok {
		return
	}
	defer closeUpload(c)
	status, err := h.service.RemoveMembers(c.Request.Context(), actorOf(c), refsetParam(c), src)
	h.respond(c, status, err)
}

func (h *Handlers) HandleUpdateDefinition(c *gin.Context) {
	var def types.Definition
	if !h.bind(c, &def) {
		return
	}
	status, err := h.service.UpdateDefinition(c.Request.Context(), actorOf(c), refsetParam(c), def)
	h.respond(c, status, err)
}

func (h *Handlers) HandleRecalculate(c *gin.Context) {
	status, err := h.service.RecalculateDefinition(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, status, err)
}

func (h *Handlers) HandleConvert(c *gin.Context) {
	status, err := h.service.ConvertToExtensional(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, status, err)
}

func (h *Handlers) HandleAddException(c *gin.Context) {
	var exception types.DefinitionException
	if !h.bind(c, &exception) {
		return
	}
	status, err := h.service.AddDefinitionException(c.Request.Context(), actorOf(c), refsetParam(c), exception)
	h.respond(c, status, err)
}

func (h *Handlers) HandleRemoveException(c *gin.Context) {
	status, err := h.service.RemoveDefinitionException(c.Request.Context(), actorOf(c), refsetParam(c), c.Param("code"))
	h.respond(c, status, err)
}

type upgradeRequest struct {
	TargetBranch string `json:"targetBranch" validate:"required"`
}

// HandleCompileUpgrade answers 202 once the job is queued. Progress is read
// from the refset lock endpoint.
func (h *Handlers) HandleCompileUpgrade(c *gin.Context) {
	var req upgradeRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.CompileUpgradeData(c.Request.Context(), actorOf(c), versionParam(c), req.TargetBranch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

type batchUpgradeRequest struct {
	VersionIDs   []string `json:"versionIds" validate:"required,min=1,dive,required"`
	TargetBranch string   `json:"targetBranch" validate:"required"`
}

func (h *Handlers) HandleBatchUpgrade(c *gin.Context) {
	var req batchUpgradeRequest
	if !h.bind(c, &req) {
		return
	}
	ids := make([]types.VersionID, 0, len(req.VersionIDs))
	for _, id := range req.VersionIDs {
		ids = append(ids, types.VersionID(id))
	}
	status, err := h.service.BatchCompileUpgradeData(c.Request.Context(), actorOf(c), ids, req.TargetBranch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (h *Handlers) HandleUpgradeData(c *gin.Context) {
	records, err := h.service.UpgradeData(c.Request.Context(), actorOf(c), versionParam(c))
	h.respond(c, records, err)
}

type replacementRequest struct {
	Code        string `json:"code" validate:"required"`
	Replacement string `json:"replacement" validate:"required"`
}

func (h *Handlers) HandleAcceptReplacement(c *gin.Context) {
	var req replacementRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.AcceptReplacement(c.Request.Context(), actorOf(c), versionParam(c), req.Code, req.Replacement)
	h.respond(c, status, err)
}

type manualRequest struct {
	Code        string `json:"code" validate:"required"`
	Replacement string `json:"replacement"`
}

// HandleSetManualReplacement records the user's choice; an empty
// replacement clears it.
func (h *Handlers) HandleSetManualReplacement(c *gin.Context) {
	var req manualRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.SetManualReplacement(c.Request.Context(), actorOf(c), versionParam(c), req.Code, req.Replacement)
	h.respond(c, status, err)
}

type inactiveRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handlers) HandleRemoveInactive(c *gin.Context) {
	var req inactiveRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.RemoveInactive(c.Request.Context(), actorOf(c), versionParam(c), req.Code)
	h.respond(c, status, err)
}

func (h *Handlers) HandleAcceptAll(c *gin.Context) {
	status, err := h.service.AcceptAllReplacements(c.Request.Context(), actorOf(c), versionParam(c))
	h.respond(c, status, err)
}

func (h *Handlers) HandleRemoveAll(c *gin.Context) {
	status, err := h.service.RemoveAllInactive(c.Request.Context(), actorOf(c), versionParam(c))
	h.respond(c, status, err)
}

func (h *Handlers) HandleCompleteUpgrade(c *gin.Context) {
	var req upgradeRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.CompleteUpgrade(c.Request.Context(), actorOf(c), versionParam(c), req.TargetBranch)
	h.respond(c, status, err)
}

type comparisonRequest struct {
	Session string `json:"session" validate:"required"`
	Left    string `json:"left" validate:"required"`
	Right   string `json:"right" validate:"required"`
}

func (h *Handlers) HandleCompileComparison(c *gin.Context) {
	var req comparisonRequest
	if !h.bind(c, &req) {
		return
	}
	status, err := h.service.CompileComparison(c.Request.Context(), actorOf(c), req.Session, types.VersionID(req.Left), types.VersionID(req.Right))
	h.respond(c, status, err)
}

func (h *Handlers) HandleTakeComparison(c *gin.Context) {
	comparison, err := h.service.TakeComparison(actorOf(c), c.Param("session"), c.Param("handle"))
	h.respond(c, comparison, err)
}

func (h *Handlers) HandlePollRefset(c *gin.Context) {
	poll, err := h.service.PollRefset(c.Request.Context(), actorOf(c), refsetParam(c))
	h.respond(c, poll, err)
}

func (h *Handlers) HandlePollComparison(c *gin.Context) {
	poll, err := h.service.PollComparison(actorOf(c), c.Param("session"))
	h.respond(c, poll, err)
}

func (h *Handlers) HandlePollJob(c *gin.Context) {
	poll, err := h.service.Poll(c.Request.Context(), actorOf(c), c.Param("key"))
	h.respond(c, poll, err)
}

func (h *Handlers) respond(c *gin.Context, body any, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}
