package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies a source system.
type Provider string

const (
	ProviderJira   Provider = "jira"
	ProviderGitHub Provider = "github"
)

// Integration holds per-provider configuration for one tenant. It is
// created by the external CRUD surface; the core only reads it, except for
// last_sync_date which is advanced at job completion.
type Integration struct {
	TenantID     int                 `json:"tenant_id"`
	ID           uuid.UUID           `json:"integration_id"`
	Provider     Provider            `json:"provider"`
	Settings     IntegrationSettings `json:"settings"`
	LastSyncDate *time.Time          `json:"last_sync_date,omitempty"`
	Active       bool                `json:"active"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// IntegrationSettings is the provider configuration blob.
type IntegrationSettings struct {
	BaseURL          string   `json:"base_url"`
	Projects         []string `json:"projects,omitempty"`
	BaseSearchFilter string   `json:"base_search_filter,omitempty"`
	BatchSize        int      `json:"batch_size,omitempty"`
	// RateLimitPerMinute caps provider requests per minute for this
	// integration across all extraction workers of the tenant.
	RateLimitPerMinute int   `json:"rate_limit_per_minute,omitempty"`
	BoardIDs           []int `json:"board_ids,omitempty"`
	// EncryptedCredentials is the AES-GCM sealed provider credential
	// (API token / basic auth). Decrypted only inside provider clients.
	EncryptedCredentials string `json:"encrypted_credentials,omitempty"`
	Username             string `json:"username,omitempty"`
}

// EffectiveBatchSize applies the default batch size when unset.
func (s *IntegrationSettings) EffectiveBatchSize() int {
	if s.BatchSize <= 0 {
		return 100
	}
	return s.BatchSize
}

// EffectiveRateLimit applies the default request rate when unset.
func (s *IntegrationSettings) EffectiveRateLimit() int {
	if s.RateLimitPerMinute <= 0 {
		return 60
	}
	return s.RateLimitPerMinute
}

// Reserved custom-field slots, plus twenty generic slots
// custom_field_01..custom_field_20.
const (
	SlotTeamField        = "team_field"
	SlotDevelopmentField = "development_field"
	SlotStoryPointsField = "story_points_field"
	SlotSprintField      = "sprint_field"
	GenericSlotCount     = 20
)

// CustomFieldMapping maps reserved and generic slots to provider-native
// custom field ids for one integration. A nil value means the slot is
// unmapped.
type CustomFieldMapping struct {
	TenantID      int                `json:"tenant_id"`
	IntegrationID uuid.UUID          `json:"integration_id"`
	Slots         map[string]*string `json:"slots"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// FieldID returns the provider field id mapped to the slot, or empty when
// the slot is unmapped.
func (m *CustomFieldMapping) FieldID(slot string) string {
	if m == nil || m.Slots == nil {
		return ""
	}
	if v, ok := m.Slots[slot]; ok && v != nil {
		return *v
	}
	return ""
}
