package rest

import (
	"log/slog"
	"net/http"
	"strconv"

	"tddb/internal/registry"

	"github.com/gin-gonic/gin"
)

// core is the Registry Core every handler in this package delegates to,
// wired in by Init the way the teacher's rest package took its
// schema.Registry.
var core *registry.Core

// Init wires the REST surface to a Registry Core.
func Init(c *registry.Core) {
	slog.Info("initializing registry HTTP handlers")
	core = c
}

// ErrorResponse mirrors the teacher's {error_code, message} envelope,
// with error_code now carrying a registry.ErrorKind string instead of a
// numeric Confluent-style code.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeRegistryError(c *gin.Context, err *registry.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case registry.KindNoSuchModule, registry.KindNoSuchType, registry.KindNoSuchFunc:
		status = http.StatusNotFound
	case registry.KindNoSuchPrivilege:
		status = http.StatusForbidden
	case registry.KindSpecParseError, registry.KindBadJsonSchemaDoc:
		status = http.StatusBadRequest
	case registry.KindConcurrentModification:
		status = http.StatusConflict
	case registry.KindDeadlockSuspected:
		status = http.StatusServiceUnavailable
	}
	slog.Error("registry operation failed", "kind", err.Kind, "message", err.Message)
	c.JSON(status, ErrorResponse{ErrorCode: string(err.Kind), Message: err.Error()})
}

// SetupRouter creates and configures a Gin router with all registry
// routes (spec.md §4.4/§4.5).
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/vnd.tddb.v1+json")
		c.Next()
	})

	r.GET("/modules", listModules)
	r.POST("/modules/:module/registration-requests", requestRegistration)
	r.POST("/modules/:module/registration-requests/approve", approveRegistration)
	r.POST("/modules/:module/registration-requests/refuse", refuseRegistration)

	moduleGroup := r.Group("/modules/:module")
	{
		moduleGroup.GET("", getModuleInfo)
		moduleGroup.POST("/save", saveModule)
		moduleGroup.POST("/release", releaseModule)
		moduleGroup.POST("/support", changeSupport)
		moduleGroup.DELETE("", removeModule)

		moduleGroup.GET("/owners", getOwners)
		moduleGroup.POST("/owners", addOwner)
		moduleGroup.DELETE("/owners/:userID", removeOwner)

		moduleGroup.GET("/types/:name/schema", getSchemaDocument)
		moduleGroup.GET("/types/:name/parsing", getParsingDocument)
		moduleGroup.GET("/types/:name/refs", getTypeRefs)
		moduleGroup.GET("/funcs/:name/parsing", getFuncParsingDocument)
		moduleGroup.GET("/funcs/:name/refs", getFuncRefs)
	}

	r.GET("/resolve", resolveType)

	return r
}

// Routes returns an http.Handler for backward compatibility.
func Routes() http.Handler {
	return SetupRouter()
}

func listModules(c *gin.Context) {
	includeRetired := c.Query("includeRetired") == "true"
	names, err := core.ListModules(c.Request.Context(), includeRetired)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func requestRegistration(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		UserID string `json:"userID" binding:"required"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	if err := core.RequestModuleRegistration(c.Request.Context(), module, req.UserID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func approveRegistration(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		AdminID string `json:"adminID" binding:"required"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	if err := core.ApproveModuleRegistrationRequest(c.Request.Context(), module, req.AdminID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func refuseRegistration(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		AdminID string `json:"adminID" binding:"required"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	if err := core.RefuseModuleRegistrationRequest(c.Request.Context(), module, req.AdminID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func getModuleInfo(c *gin.Context) {
	module := c.Param("module")
	callerID := c.Query("userID")
	vt := int64(0)
	if raw := c.Query("versionTime"); raw != "" {
		parsed, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: "malformed versionTime"})
			return
		}
		vt = parsed
	} else if c.Query("unreleased") == "true" {
		vt = -1
	}
	mv, err := core.GetModuleInfo(c.Request.Context(), module, callerID, vt)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, mv)
}

// saveModuleRequestBody is the HTTP payload for a save, mirroring
// registry.SaveModuleRequest but without exposing internal-only fields.
type saveModuleRequestBody struct {
	UserID                    string           `json:"userID" binding:"required"`
	SpecDocument              string           `json:"specDocument" binding:"required"`
	AddedTypes                []string         `json:"addedTypes"`
	UnregisteredTypes         []string         `json:"unregisteredTypes"`
	DryRun                    bool             `json:"dryRun"`
	ModuleVersionRestrictions map[string]int64 `json:"moduleVersionRestrictions"`
	ExpectedPreviousVersion   *int64           `json:"expectedPreviousVersion"`
	UploadComment             string           `json:"uploadComment"`
}

func saveModule(c *gin.Context) {
	module := c.Param("module")
	var body saveModuleRequestBody
	if bindErr := c.ShouldBindJSON(&body); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	res, err := core.SaveModule(c.Request.Context(), registry.SaveModuleRequest{
		Module:                    module,
		UserID:                    body.UserID,
		SpecDocument:              body.SpecDocument,
		AddedTypes:                body.AddedTypes,
		UnregisteredTypes:         body.UnregisteredTypes,
		DryRun:                    body.DryRun,
		ModuleVersionRestrictions: body.ModuleVersionRestrictions,
		ExpectedPreviousVersion:   body.ExpectedPreviousVersion,
		UploadMethod:              "rest",
		UploadComment:             body.UploadComment,
	})
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func releaseModule(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		UserID string `json:"userID" binding:"required"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	if err := core.ReleaseModule(c.Request.Context(), module, req.UserID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func changeSupport(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		AdminID   string `json:"adminID" binding:"required"`
		Supported bool   `json:"supported"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	var err *registry.Error
	if req.Supported {
		err = core.ResumeModuleSupport(c.Request.Context(), module, req.AdminID)
	} else {
		err = core.StopModuleSupport(c.Request.Context(), module, req.AdminID)
	}
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func removeModule(c *gin.Context) {
	module := c.Param("module")
	adminID := c.Query("adminID")
	if err := core.RemoveModule(c.Request.Context(), module, adminID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func getOwners(c *gin.Context) {
	module := c.Param("module")
	owners, err := core.GetOwners(c.Request.Context(), module)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, owners)
}

func addOwner(c *gin.Context) {
	module := c.Param("module")
	var req struct {
		CallerID     string `json:"callerID" binding:"required"`
		UserID       string `json:"userID" binding:"required"`
		ChangeOwners bool   `json:"changeOwners"`
	}
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: bindErr.Error()})
		return
	}
	if err := core.AddOwner(c.Request.Context(), module, req.CallerID, req.UserID, req.ChangeOwners); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func removeOwner(c *gin.Context) {
	module := c.Param("module")
	userID := c.Param("userID")
	callerID := c.Query("callerID")
	if err := core.RemoveOwner(c.Request.Context(), module, callerID, userID); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func getSchemaDocument(c *gin.Context) {
	module := c.Param("module")
	name := c.Param("name")
	ver := c.Query("version")
	if ver == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: "version query parameter is required"})
		return
	}
	doc, err := core.GetSchemaDocument(c.Request.Context(), module, name, ver)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/schema+json", doc)
}

func getParsingDocument(c *gin.Context) {
	getParsingDocumentImpl(c, false)
}

func getFuncParsingDocument(c *gin.Context) {
	getParsingDocumentImpl(c, true)
}

func getParsingDocumentImpl(c *gin.Context, isFunc bool) {
	module := c.Param("module")
	name := c.Param("name")
	ver := c.Query("version")
	if ver == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: "version query parameter is required"})
		return
	}
	doc, err := core.GetParsingDocument(c.Request.Context(), module, name, ver, isFunc)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func getTypeRefs(c *gin.Context) {
	getRefsImpl(c, false)
}

func getFuncRefs(c *gin.Context) {
	getRefsImpl(c, true)
}

func getRefsImpl(c *gin.Context, isFunc bool) {
	module := c.Param("module")
	name := c.Param("name")
	ver := c.Query("version")
	if ver == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: "version query parameter is required"})
		return
	}
	dep, ref, err := core.GetRefs(c.Request.Context(), module, name, ver, isFunc)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependsOn": dep, "referencedBy": ref})
}

func resolveType(c *gin.Context) {
	raw := c.Query("id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: "id query parameter is required"})
		return
	}
	id, perr := registry.ParseTypeDefId(raw)
	if perr != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "BadRequest", Message: perr.Error()})
		return
	}
	resolved, err := core.ResolveType(c.Request.Context(), id)
	if err != nil {
		writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}
