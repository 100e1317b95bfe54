package registry

import "context"

// SingleTenant serves one bot under NoTenant. It backs the process when
// multi-tenancy is disabled and the bot token comes from the environment.
type SingleTenant struct {
	Bot      Bot
	Policies []ChannelPolicy
}

// NewSingleTenant returns a SingleTenant directory for the given credential.
func NewSingleTenant(botID string, platform Platform, token string) *SingleTenant {
	return &SingleTenant{Bot: Bot{
		TenantID: NoTenant,
		BotID:    botID,
		Name:     "default",
		Platform: platform,
		Enabled:  true,
		Token:    token,
	}}
}

func (s *SingleTenant) ListTenantIDs(_ context.Context) ([]string, error) {
	return []string{NoTenant}, nil
}

func (s *SingleTenant) ListBots(_ context.Context, tenantID string) ([]Bot, error) {
	if tenantID != NoTenant {
		return nil, nil
	}
	return []Bot{s.Bot}, nil
}

func (s *SingleTenant) ListChannelPolicies(_ context.Context, tenantID, botID string) ([]ChannelPolicy, error) {
	if tenantID != NoTenant || botID != s.Bot.BotID {
		return nil, ErrBotNotFound
	}
	return s.Policies, nil
}
