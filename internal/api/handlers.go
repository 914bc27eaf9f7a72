package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/modelplane/modelplane/internal/service"
)

type allocationPayload struct {
	ModelID  uint `json:"modelId"`
	SpecID   uint `json:"specId"`
	RegionID uint `json:"regionId"`
}

type submitPayload struct {
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	RoleARN          string              `json:"roleArn"`
	Allocations      []allocationPayload `json:"allocations"`
	AllowedAddresses []string            `json:"allowedAddresses"`
}

type submitResponse struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
}

func (s *Server) submitDeployment(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	var payload submitPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	req := service.SubmitRequest{
		OwnerID:          owner,
		RoleARN:          payload.RoleARN,
		Name:             payload.Name,
		Description:      payload.Description,
		AllowedAddresses: payload.AllowedAddresses,
	}
	for _, a := range payload.Allocations {
		req.Allocations = append(req.Allocations, service.AllocationRequest{
			ModelID:  a.ModelID,
			SpecID:   a.SpecID,
			RegionID: a.RegionID,
		})
	}

	d, err := s.svc.SubmitDeployment(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		DeploymentID: d.DeploymentID,
		Status:       "PENDING",
	})
}

func (s *Server) listDeployments(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	views, err := s.svc.ListDeployments(c.Request().Context(), owner)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) deploymentStatus(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	view, err := s.svc.DeploymentStatus(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

type addressPayload struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) registerAddresses(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	var payload addressPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := s.svc.RegisterAllowedAddresses(c.Request().Context(), owner, c.Param("id"), payload.Addresses)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type verifyPayload struct {
	APIKey string `json:"apiKey"`
}

type verifyResponse struct {
	ModelID   uint `json:"modelId"`
	SpecID    uint `json:"specId"`
	RegionID  uint `json:"regionId"`
	Activated bool `json:"activated"`
}

func (s *Server) verifyKey(c echo.Context) error {
	var payload verifyPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	alloc, err := s.svc.VerifyAPIKey(c.Request().Context(), payload.APIKey)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, verifyResponse{
		ModelID:   alloc.ModelID,
		SpecID:    alloc.SpecID,
		RegionID:  alloc.RegionID,
		Activated: alloc.KeyActivated,
	})
}
