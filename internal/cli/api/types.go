package api

import (
	"time"
)

type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Bot is a bot descriptor as shown to operators. The token itself is never
// returned.
type Bot struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform"`
	Enabled  bool   `json:"enabled"`
	HasToken bool   `json:"has_token"`
}

// Owner is the pod currently holding a tenant's ownership lock. Pod is empty
// for unowned tenants.
type Owner struct {
	TenantID string `json:"tenant_id"`
	Pod      string `json:"pod,omitempty"`
}

type CreateTenantRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
}

// SetBotRequest creates or updates a bot. Nil fields keep their current
// value; a new bot defaults to enabled on Telegram.
type SetBotRequest struct {
	TenantID string  `json:"tenant_id"`
	BotID    string  `json:"bot_id"`
	Name     *string `json:"name,omitempty"`
	Token    *string `json:"token,omitempty"`
	Platform *string `json:"platform,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}
