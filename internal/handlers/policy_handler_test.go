package handlers

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policyRequest(provider string, rules ...models.AddPolicyRuleBody) models.AddPolicyRequest {
	return models.AddPolicyRequest{
		TargetType: models.TargetTypeServiceDefinition,
		Cloud:      "LOCAL",
		Provider:   provider,
		Target:     "temperature",
		Policies:   rules,
	}
}

func accessCheck(consumer string) models.AccessRequest {
	return models.AccessRequest{
		Provider:      "thermometer",
		Consumer:      consumer,
		ConsumerCloud: "LOCAL",
		TargetType:    models.TargetTypeServiceDefinition,
		Target:        "temperature",
	}
}

func TestPolicyHandler_AddPolicy(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})

	t.Run("provider policy defaults creator to the provider", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/provider", "", policyRequest("thermometer",
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeWhitelist, SystemNames: []string{"consumer"}}))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp models.PolicyHeaderResponse
		decode(t, w, &resp)
		assert.Equal(t, models.PolicyLevelProvider, resp.Header.Level)
		assert.Equal(t, "PROVIDER|LOCAL|thermometer|SERVICE_DEFINITION|temperature", resp.Header.InstanceID)
		assert.Equal(t, "thermometer", resp.Header.CreatedBy)
		require.Len(t, resp.Policies, 1)
		assert.Equal(t, models.PolicyTypeWhitelist, resp.Policies[0].PolicyType)
	})

	t.Run("mgmt policy defaults creator to the administrator", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/MGMT", "", policyRequest("thermometer",
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeAll}))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var resp models.PolicyHeaderResponse
		decode(t, w, &resp)
		assert.Equal(t, defaultPolicyCreator, resp.Header.CreatedBy)
	})

	t.Run("requester header names the creator", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/provider", "operator", policyRequest("barometer",
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeAll}))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var resp models.PolicyHeaderResponse
		decode(t, w, &resp)
		assert.Equal(t, "operator", resp.Header.CreatedBy)
	})

	t.Run("duplicate", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/provider", "", policyRequest("thermometer",
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeAll}))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, originAddPolicy, errorBody(t, w).Origin)
	})

	t.Run("unknown level", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/global", "", policyRequest("thermometer",
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeAll}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no rules", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/policies/provider", "", policyRequest("thermometer"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPolicyHandler_Check(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})

	check := func(req models.AccessRequest) bool {
		w := f.do(t, http.MethodPost, "/check", "", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp models.AccessResponse
		decode(t, w, &resp)
		return resp.Granted
	}

	assert.False(t, check(accessCheck("consumer")))

	w := f.do(t, http.MethodPost, "/policies/provider", "", policyRequest("thermometer",
		models.AddPolicyRuleBody{PolicyType: models.PolicyTypeBlacklist, SystemNames: []string{"intruder"}}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.True(t, check(accessCheck("consumer")))
	assert.False(t, check(accessCheck("intruder")))

	w = f.do(t, http.MethodPost, "/policies/mgmt", "", policyRequest("thermometer",
		models.AddPolicyRuleBody{PolicyType: models.PolicyTypeWhitelist, SystemNames: []string{"intruder"}}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.False(t, check(accessCheck("consumer")))
	assert.True(t, check(accessCheck("intruder")))

	t.Run("invalid target type", func(t *testing.T) {
		req := accessCheck("consumer")
		req.TargetType = "QUEUE"
		w := f.do(t, http.MethodPost, "/check", "", req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, originCheck, errorBody(t, w).Origin)
	})

	t.Run("store failure", func(t *testing.T) {
		f.policies.Err = assert.AnError
		defer func() { f.policies.Err = nil }()
		w := f.do(t, http.MethodPost, "/check", "", accessCheck("consumer"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	})
}

func TestPolicyHandler_ListAndRevoke(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})
	for _, provider := range []string{"thermometer", "barometer"} {
		w := f.do(t, http.MethodPost, "/policies/provider", "", policyRequest(provider,
			models.AddPolicyRuleBody{PolicyType: models.PolicyTypeAll}))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	list := func() models.Page[models.PolicyHeaderResponse] {
		w := f.do(t, http.MethodGet, "/policies/provider", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page models.Page[models.PolicyHeaderResponse]
		decode(t, w, &page)
		return page
	}

	page := list()
	assert.Equal(t, int64(2), page.TotalElements)
	assert.Len(t, page.Items, 2)

	w := f.do(t, http.MethodGet, "/policies/mgmt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mgmt models.Page[models.PolicyHeaderResponse]
	decode(t, w, &mgmt)
	assert.Zero(t, mgmt.TotalElements)

	instance := url.PathEscape("PROVIDER|LOCAL|thermometer|SERVICE_DEFINITION|temperature")
	w = f.do(t, http.MethodDelete, "/policies/provider/"+instance, "", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, int64(1), list().TotalElements)

	w = f.do(t, http.MethodDelete, "/policies/provider/"+instance, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/policies/provider?size=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, originListPolicies, errorBody(t, w).Origin)
}
