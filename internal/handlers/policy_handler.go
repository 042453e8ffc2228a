package handlers

import (
	"net/http"
	"strings"

	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/gin-gonic/gin"
)

const (
	originCheck        = "POST /authorization/check"
	originAddPolicy    = "POST /authorization/mgmt/policies"
	originListPolicies = "GET /authorization/mgmt/policies"
	originRevokePolicy = "DELETE /authorization/mgmt/policies"

	defaultPolicyCreator = "administrator"
)

type PolicyHandler struct {
	policies *services.PolicyEngine
}

func NewPolicyHandler(policies *services.PolicyEngine) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

func levelParam(c *gin.Context) models.PolicyLevel {
	return models.PolicyLevel(strings.ToUpper(c.Param("level")))
}

func (h *PolicyHandler) Check(c *gin.Context) {
	var req models.AccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	granted, err := h.policies.IsAccessGranted(c.Request.Context(), req, originCheck)
	if err != nil {
		fail(c, err, originCheck)
		return
	}
	c.JSON(http.StatusOK, models.AccessResponse{Granted: granted})
}

// AddPolicy records the requester as creator; PROVIDER policies default to
// the provider they protect
func (h *PolicyHandler) AddPolicy(c *gin.Context) {
	var req models.AddPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	level := levelParam(c)
	createdBy := c.GetHeader(middleware.RequesterHeader)
	if createdBy == "" {
		createdBy = defaultPolicyCreator
		if level == models.PolicyLevelProvider {
			createdBy = req.Provider
		}
	}

	resp, err := h.policies.AddPolicy(c.Request.Context(), level, req, createdBy, originAddPolicy)
	if err != nil {
		fail(c, err, originAddPolicy)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	page, err := pageRequest(c)
	if err != nil {
		fail(c, err, originListPolicies)
		return
	}
	result, err := h.policies.ListPolicies(c.Request.Context(), levelParam(c), page, originListPolicies)
	if err != nil {
		fail(c, err, originListPolicies)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RevokePolicy takes the instance id from the wildcard path segment
func (h *PolicyHandler) RevokePolicy(c *gin.Context) {
	instanceID := strings.TrimPrefix(c.Param("instance"), "/")
	if err := h.policies.RevokePolicy(c.Request.Context(), levelParam(c), instanceID, originRevokePolicy); err != nil {
		fail(c, err, originRevokePolicy)
		return
	}
	c.Status(http.StatusNoContent)
}
