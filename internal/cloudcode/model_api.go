package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
	"github.com/poemonsense/cloudpool/pkg/anthropic"
)

// ModelInfo is one entry of the upstream model catalog
type ModelInfo struct {
	DisplayName string          `json:"displayName,omitempty"`
	QuotaInfo   *ModelQuotaInfo `json:"quotaInfo,omitempty"`
}

// ModelQuotaInfo is the per-model quota block of the catalog response
type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the fetchAvailableModels response body
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

// SubscriptionResult is the detected tier and project for an account
type SubscriptionResult struct {
	Tier      string
	ProjectID string
}

type loadCodeAssistResponse struct {
	PaidTier                *tierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *tierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*tierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

type tierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// modelCache caches the set of valid upstream model IDs
type modelCache struct {
	mu          sync.RWMutex
	validModels map[string]bool
	lastFetched time.Time
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// FetchAvailableModels fetches the model catalog with quota info. The
// project ID goes into the body so quota numbers reflect the right
// subscription.
func (c *Client) FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.CloudCodeHeaders() {
		headers[k] = v
	}

	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	for _, endpoint := range c.endpoints {
		resp, err := c.post(ctx, endpoint+"/v1internal:fetchAvailableModels", headers, bodyBytes)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			drainBody(resp)
			continue
		}

		var data FetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// ListModels lists supported models in the /v1/models response shape
func (c *Client) ListModels(ctx context.Context, token string) (*anthropic.ModelsResponse, error) {
	data, err := c.FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return &anthropic.ModelsResponse{Object: "list", Data: []anthropic.Model{}}, nil
	}

	now := time.Now().Unix()
	models := make([]anthropic.Model, 0, len(data.Models))
	for modelID := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		models = append(models, anthropic.Model{
			ID:      modelID,
			Object:  "model",
			Created: now,
			OwnedBy: "anthropic",
		})
	}

	// Warm the validation cache while we have the catalog
	c.models.mu.Lock()
	c.models.validModels = make(map[string]bool, len(models))
	for _, m := range models {
		c.models.validModels[m.ID] = true
	}
	c.models.lastFetched = time.Now()
	c.models.mu.Unlock()

	return &anthropic.ModelsResponse{Object: "list", Data: models}, nil
}

// ModelQuotas fetches the remaining quota per model for one account.
// A missing remainingFraction with a present resetTime means the quota
// is exhausted, so it maps to zero rather than unknown.
func (c *Client) ModelQuotas(ctx context.Context, token, projectID string) (map[string]*account.ModelQuotaInfo, error) {
	data, err := c.FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*account.ModelQuotaInfo)
	if data == nil || data.Models == nil {
		return quotas, nil
	}

	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}

		quota := &account.ModelQuotaInfo{}
		if info.QuotaInfo.ResetTime != nil {
			quota.ResetTime = *info.QuotaInfo.ResetTime
		}
		switch {
		case info.QuotaInfo.RemainingFraction != nil:
			quota.RemainingFraction = info.QuotaInfo.RemainingFraction
		case info.QuotaInfo.ResetTime != nil:
			quota.RemainingFraction = utils.Ptr(0.0)
		}
		quotas[modelID] = quota
	}

	return quotas, nil
}

// ParseTierID maps an upstream tier ID onto a coarse subscription level
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}
	lower := strings.ToLower(tierID)

	switch {
	case strings.Contains(lower, "ultra"):
		return "ultra"
	case lower == "standard-tier":
		// standard-tier is the paid, project-based Code Assist plan
		return "pro"
	case strings.Contains(lower, "pro"), strings.Contains(lower, "premium"):
		return "pro"
	case strings.Contains(lower, "free"):
		return "free"
	default:
		return "unknown"
	}
}

// SubscriptionTier detects the subscription tier and companion project
// via loadCodeAssist. Tier priority is paidTier, then currentTier, then
// the default entry of allowedTiers. All endpoints failing degrades to
// the free tier rather than erroring.
func (c *Client) SubscriptionTier(ctx context.Context, token string) (*SubscriptionResult, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.CloudCodeHeaders() {
		headers[k] = v
	}

	bodyBytes, _ := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":     "IDE_UNSPECIFIED",
			"platform":    "PLATFORM_UNSPECIFIED",
			"pluginType":  "GEMINI",
			"duetProject": config.DefaultProjectID,
		},
	})

	for _, endpoint := range c.assistEndpoints {
		resp, err := c.post(ctx, endpoint+"/v1internal:loadCodeAssist", headers, bodyBytes)
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			utils.Warn("[CloudCode] loadCodeAssist error at %s: %d", endpoint, resp.StatusCode)
			drainBody(resp)
			continue
		}

		var data loadCodeAssistResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist decode error at %s: %v", endpoint, err)
			continue
		}

		var projectID string
		switch v := data.CloudAICompanionProject.(type) {
		case string:
			projectID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				projectID = id
			}
		}

		tier := "unknown"
		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tier = ParseTierID(data.PaidTier.ID)
		}
		if tier == "unknown" && data.CurrentTier != nil && data.CurrentTier.ID != "" {
			tier = ParseTierID(data.CurrentTier.ID)
		}
		if tier == "unknown" && len(data.AllowedTiers) > 0 {
			chosen := data.AllowedTiers[0]
			for _, t := range data.AllowedTiers {
				if t != nil && t.IsDefault {
					chosen = t
					break
				}
			}
			if chosen != nil && chosen.ID != "" {
				tier = ParseTierID(chosen.ID)
			}
		}

		utils.Debug("[CloudCode] Subscription detected: %s, project: %s", tier, projectID)
		return &SubscriptionResult{Tier: tier, ProjectID: projectID}, nil
	}

	utils.Warn("[CloudCode] Failed to detect subscription tier from all endpoints, defaulting to free")
	return &SubscriptionResult{Tier: "free", ProjectID: ""}, nil
}

// populateModelCache refreshes the validation cache when it is stale
func (c *Client) populateModelCache(ctx context.Context, token, projectID string) error {
	c.models.mu.RLock()
	fresh := len(c.models.validModels) > 0 &&
		time.Since(c.models.lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond
	c.models.mu.RUnlock()
	if fresh {
		return nil
	}

	data, err := c.FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		utils.Warn("[CloudCode] Failed to populate model cache: %v", err)
		return err
	}
	if data == nil || data.Models == nil {
		return nil
	}

	c.models.mu.Lock()
	c.models.validModels = make(map[string]bool, len(data.Models))
	for modelID := range data.Models {
		if isSupportedModel(modelID) {
			c.models.validModels[modelID] = true
		}
	}
	c.models.lastFetched = time.Now()
	c.models.mu.Unlock()
	return nil
}

// IsValidModel validates a model ID against the cached catalog. With no
// catalog available it fails open and lets the upstream reject it.
func (c *Client) IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = c.populateModelCache(ctx, token, projectID)

	c.models.mu.RLock()
	defer c.models.mu.RUnlock()

	if len(c.models.validModels) > 0 {
		return c.models.validModels[modelID]
	}
	return true
}
