package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/spec"
)

type (
	FlowsListResponse struct {
		Flows []*models.Flow `json:"flows"`
		Count int            `json:"count"`
	}

	FlowCreatedResponse struct {
		Flow    *models.Flow        `json:"flow"`
		Version *models.FlowVersion `json:"version"`
	}

	VersionsListResponse struct {
		Versions []*models.FlowVersion `json:"versions"`
		Count    int                   `json:"count"`
	}
)

const yamlContentType = "application/yaml"

func (s *Server) listFlows(c *gin.Context) {
	includeRetired := c.Query("include_retired") == "true"
	flows, err := s.flows.ListFlows(c.Request.Context(), includeRetired)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FlowsListResponse{Flows: flows, Count: len(flows)})
}

// createFlow accepts a YAML or JSON flow document and publishes it as
// version 1 of a new flow
func (s *Server) createFlow(c *gin.Context) {
	data, ok := readBody(c)
	if !ok {
		return
	}
	doc, err := spec.Parse(data)
	if err != nil {
		writeError(c, err)
		return
	}

	flow, v, err := s.flows.CreateFromDocument(c.Request.Context(), doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, FlowCreatedResponse{Flow: flow, Version: v})
}

func (s *Server) getFlow(c *gin.Context) {
	flow, err := s.flows.Resolve(c.Request.Context(), c.Param("flowID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (s *Server) retireFlow(c *gin.Context) {
	ctx := c.Request.Context()
	flow, err := s.flows.Resolve(ctx, c.Param("flowID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.flows.RetireFlow(ctx, flow.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow_id": flow.ID, "retired": true})
}

func (s *Server) listVersions(c *gin.Context) {
	ctx := c.Request.Context()
	flow, err := s.flows.Resolve(ctx, c.Param("flowID"))
	if err != nil {
		writeError(c, err)
		return
	}
	versions, err := s.flows.ListVersions(ctx, flow.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionsListResponse{
		Versions: versions,
		Count:    len(versions),
	})
}

// publishVersion accepts a full document or a bare list of steps and
// appends it as the flow's next version
func (s *Server) publishVersion(c *gin.Context) {
	ctx := c.Request.Context()
	flow, err := s.flows.Resolve(ctx, c.Param("flowID"))
	if err != nil {
		writeError(c, err)
		return
	}
	data, ok := readBody(c)
	if !ok {
		return
	}
	doc, err := spec.ParseSteps(data)
	if err != nil {
		writeError(c, err)
		return
	}
	if doc.Author == "" {
		doc.Author = c.Query("author")
	}

	v, err := s.flows.PublishDocument(ctx, flow.ID, doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// getVersion returns one version, or "latest". With format=yaml the version
// is rendered back into a flow document.
func (s *Server) getVersion(c *gin.Context) {
	version, err := parseVersion(c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	flow, err := s.flows.Resolve(ctx, c.Param("flowID"))
	if err != nil {
		writeError(c, err)
		return
	}
	v, err := s.flows.GetVersion(ctx, flow.ID, version)
	if err != nil {
		writeError(c, err)
		return
	}

	if c.Query("format") != "yaml" {
		c.JSON(http.StatusOK, v)
		return
	}
	data, err := spec.Marshal(spec.Export(flow, v))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, yamlContentType, data)
}

func parseVersion(raw string) (int, error) {
	if raw == "latest" {
		return models.LatestVersion, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("invalid version %q", raw))
	}
	return v, nil
}

func readBody(c *gin.Context) ([]byte, bool) {
	data, err := c.GetRawData()
	if err != nil {
		writeBadRequest(c, ErrInvalidJSON, err)
		return nil, false
	}
	if len(data) == 0 {
		writeBadRequest(c, ErrEmptyBody, nil)
		return nil, false
	}
	return data, true
}
