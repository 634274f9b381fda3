package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/relay/internal/connector"
)

type ConnectorsListResponse struct {
	Connectors []connector.Info `json:"connectors"`
	Count      int              `json:"count"`
}

func (s *Server) listConnectors(c *gin.Context) {
	infos := s.registry.List()
	c.JSON(http.StatusOK, ConnectorsListResponse{
		Connectors: infos,
		Count:      len(infos),
	})
}

func (s *Server) getConnector(c *gin.Context) {
	info, err := s.registry.Get(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// testConnector runs the connector's health probe
func (s *Server) testConnector(c *gin.Context) {
	name := c.Param("name")
	if err := s.registry.Test(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "healthy": true})
}
