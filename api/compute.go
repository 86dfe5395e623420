package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbital-hq/orbital/manager"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/task"
)

func (s *Server) handleActivateManager(c echo.Context) error {
	var req manager.ActivateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed activation request")
	}

	m, err := s.managers.Activate(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, m)
}

func (s *Server) handleUpdateManager(c echo.Context) error {
	var req manager.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed heartbeat")
	}

	if err := s.managers.Update(c.Request().Context(), c.Param("name"), req); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{"status": "ok"})
}

type deactivateResponse struct {
	Deactivated []string `json:"deactivated"`
}

func (s *Server) handleDeactivateManager(c echo.Context) error {
	deactivated, err := s.managers.Deactivate(c.Request().Context(), []string{c.Param("name")})
	if err != nil {
		return err
	}
	if deactivated == nil {
		deactivated = []string{}
	}
	return respond(c, http.StatusOK, deactivateResponse{Deactivated: deactivated})
}

type claimResponse struct {
	Tasks []*model.RecordTask `json:"tasks"`
}

func (s *Server) handleClaimTasks(c echo.Context) error {
	var req task.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed claim request")
	}

	tasks, err := s.dispatcher.Claim(c.Request().Context(), req, s.cfg.API.ClaimLimit)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*model.RecordTask{}
	}
	return respond(c, http.StatusOK, claimResponse{Tasks: tasks})
}

func (s *Server) handleReturnTasks(c echo.Context) error {
	var req task.ReturnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed return request")
	}

	meta, err := s.dispatcher.Return(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, meta)
}

func (s *Server) handleQueryManagers(c echo.Context) error {
	filter := manager.QueryFilter{}
	if name := c.QueryParam("name"); name != "" {
		filter.Name = []string{name}
	}
	if cluster := c.QueryParam("cluster"); cluster != "" {
		filter.Cluster = []string{cluster}
	}
	if status := c.QueryParam("status"); status != "" {
		filter.Status = []string{status}
	}

	managers, err := s.managers.Query(c.Request().Context(), filter, s.cfg.API.QueryLimit)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, managers)
}

func (s *Server) handleGetManager(c echo.Context) error {
	m, err := s.managers.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, m)
}
