package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockClient is an in-memory registry for testing.
// Tenant ids are listed in creation order.
type MockClient struct {
	mu       sync.RWMutex
	order    []string
	tenants  map[string]*TenantRecord
	bots     map[string]map[string]botItem
	listErr  error
	botsErrs map[string]error
}

func NewMock() *MockClient {
	return &MockClient{
		tenants:  make(map[string]*TenantRecord),
		bots:     make(map[string]map[string]botItem),
		botsErrs: make(map[string]error),
	}
}

// FailListing makes ListTenantIDs return err until cleared with nil.
func (m *MockClient) FailListing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailBots makes ListBots for tenantID return err until cleared with nil.
func (m *MockClient) FailBots(tenantID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.botsErrs, tenantID)
		return
	}
	m.botsErrs[tenantID] = err
}

func (m *MockClient) ListTenantIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.order...), nil
}

func (m *MockClient) ListTenants(_ context.Context) ([]*TenantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]*TenantRecord, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.tenants[id]
		records = append(records, &cp)
	}
	return records, nil
}

func (m *MockClient) CreateTenant(_ context.Context, record *TenantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[record.TenantID]; ok {
		return &ConditionalCheckFailed{TenantID: record.TenantID}
	}
	cp := *record
	m.tenants[record.TenantID] = &cp
	m.order = append(m.order, record.TenantID)
	return nil
}

func (m *MockClient) DeleteTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
	delete(m.bots, tenantID)
	for i, id := range m.order {
		if id == tenantID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockClient) ListBots(_ context.Context, tenantID string) ([]Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.botsErrs[tenantID]; err != nil {
		return nil, err
	}
	var bots []Bot
	for _, it := range m.bots[tenantID] {
		bots = append(bots, it.Bot)
	}
	sortBots(bots)
	return bots, nil
}

func (m *MockClient) ListChannelPolicies(_ context.Context, tenantID, botID string) ([]ChannelPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.bots[tenantID][botID]
	if !ok {
		return nil, ErrBotNotFound
	}
	return append([]ChannelPolicy(nil), it.ChannelPolicies...), nil
}

func (m *MockClient) PutBot(_ context.Context, bot Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bots[bot.TenantID] == nil {
		m.bots[bot.TenantID] = make(map[string]botItem)
	}
	it := m.bots[bot.TenantID][bot.BotID]
	it.Bot = bot
	m.bots[bot.TenantID][bot.BotID] = it
	return nil
}

func (m *MockClient) SetBotEnabled(_ context.Context, tenantID, botID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.bots[tenantID][botID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrBotNotFound, tenantID, botID)
	}
	it.Enabled = enabled
	m.bots[tenantID][botID] = it
	return nil
}

func (m *MockClient) PutChannelPolicies(_ context.Context, tenantID, botID string, policies []ChannelPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.bots[tenantID][botID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrBotNotFound, tenantID, botID)
	}
	it.ChannelPolicies = nil
	for _, p := range policies {
		it.ChannelPolicies = append(it.ChannelPolicies, p.Normalize())
	}
	m.bots[tenantID][botID] = it
	return nil
}

func (m *MockClient) DeleteBot(_ context.Context, tenantID, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots[tenantID], botID)
	return nil
}

func sortBots(bots []Bot) {
	sort.Slice(bots, func(i, j int) bool { return bots[i].BotID < bots[j].BotID })
}
