package api

import (
	"context"
)

// MockClient for testing
type MockClient struct {
	ListTenantsFunc  func(ctx context.Context) ([]Tenant, error)
	CreateTenantFunc func(ctx context.Context, req *CreateTenantRequest) (*Tenant, error)
	DeleteTenantFunc func(ctx context.Context, id string) error
	ListBotsFunc     func(ctx context.Context, tenantID string) ([]Bot, error)
	SetBotFunc       func(ctx context.Context, req *SetBotRequest) (*Bot, error)
	DisableBotFunc   func(ctx context.Context, tenantID, botID string) error
	OwnersFunc       func(ctx context.Context) ([]Owner, error)
}

func (m *MockClient) ListTenants(ctx context.Context) ([]Tenant, error) {
	if m.ListTenantsFunc != nil {
		return m.ListTenantsFunc(ctx)
	}
	return nil, nil
}

func (m *MockClient) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error) {
	if m.CreateTenantFunc != nil {
		return m.CreateTenantFunc(ctx, req)
	}
	return &Tenant{TenantID: req.TenantID, Name: req.Name}, nil
}

func (m *MockClient) DeleteTenant(ctx context.Context, id string) error {
	if m.DeleteTenantFunc != nil {
		return m.DeleteTenantFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) ListBots(ctx context.Context, tenantID string) ([]Bot, error) {
	if m.ListBotsFunc != nil {
		return m.ListBotsFunc(ctx, tenantID)
	}
	return nil, nil
}

func (m *MockClient) SetBot(ctx context.Context, req *SetBotRequest) (*Bot, error) {
	if m.SetBotFunc != nil {
		return m.SetBotFunc(ctx, req)
	}
	return &Bot{TenantID: req.TenantID, BotID: req.BotID}, nil
}

func (m *MockClient) DisableBot(ctx context.Context, tenantID, botID string) error {
	if m.DisableBotFunc != nil {
		return m.DisableBotFunc(ctx, tenantID, botID)
	}
	return nil
}

func (m *MockClient) Owners(ctx context.Context) ([]Owner, error) {
	if m.OwnersFunc != nil {
		return m.OwnersFunc(ctx)
	}
	return nil, nil
}
