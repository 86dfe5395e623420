package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbital-hq/orbital/version"
)

// serverInformation is what clients use to check compatibility before
// talking to the rest of the API.
type serverInformation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	MOTD    string `json:"motd,omitempty"`

	APILimits map[string]int `json:"api_limits"`

	ClientVersionLowerLimit string `json:"client_version_lower_limit,omitempty"`
	ClientVersionUpperLimit string `json:"client_version_upper_limit,omitempty"`
}

func (s *Server) handleInformation(c echo.Context) error {
	return respond(c, http.StatusOK, serverInformation{
		Name:    s.cfg.Name,
		Version: version.Version,
		MOTD:    s.cfg.API.MOTD,
		APILimits: map[string]int{
			"query_limit": s.cfg.API.QueryLimit,
			"claim_limit": s.cfg.API.ClaimLimit,
		},
		ClientVersionLowerLimit: s.cfg.API.ClientVersionLowerLimit,
		ClientVersionUpperLimit: s.cfg.API.ClientVersionUpperLimit,
	})
}
