package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

// Client is the interface botctl commands use to manage tenants and bots
type Client interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error)
	DeleteTenant(ctx context.Context, id string) error

	ListBots(ctx context.Context, tenantID string) ([]Bot, error)
	SetBot(ctx context.Context, req *SetBotRequest) (*Bot, error)
	DisableBot(ctx context.Context, tenantID, botID string) error

	// Owners reports the owning pod of every tenant. It needs a lock store.
	Owners(ctx context.Context) ([]Owner, error)
}

// ErrNoLockStore is returned by Owners when the client has no lock store.
var ErrNoLockStore = errors.New("no lock store configured")

// RegistryClient implements Client directly against the registry and the
// lock store the pods share.
type RegistryClient struct {
	reg   registry.Client
	store lock.Store
	now   func() time.Time
}

// NewRegistryClient creates a client. store may be nil when ownership is not
// needed.
func NewRegistryClient(reg registry.Client, store lock.Store) *RegistryClient {
	return &RegistryClient{reg: reg, store: store, now: time.Now}
}

func (c *RegistryClient) ListTenants(ctx context.Context) ([]Tenant, error) {
	records, err := c.reg.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	tenants := make([]Tenant, 0, len(records))
	for _, r := range records {
		tenants = append(tenants, Tenant{TenantID: r.TenantID, Name: r.Name, CreatedAt: r.CreatedAt})
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })
	return tenants, nil
}

func (c *RegistryClient) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error) {
	if req.TenantID == "" {
		return nil, errors.New("tenant id required")
	}
	rec := &registry.TenantRecord{TenantID: req.TenantID, Name: req.Name, CreatedAt: c.now().UTC()}
	if err := c.reg.CreateTenant(ctx, rec); err != nil {
		return nil, err
	}
	return &Tenant{TenantID: rec.TenantID, Name: rec.Name, CreatedAt: rec.CreatedAt}, nil
}

func (c *RegistryClient) DeleteTenant(ctx context.Context, id string) error {
	return c.reg.DeleteTenant(ctx, id)
}

func (c *RegistryClient) ListBots(ctx context.Context, tenantID string) ([]Bot, error) {
	bots, err := c.reg.ListBots(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Bot, 0, len(bots))
	for _, b := range bots {
		out = append(out, toBot(b))
	}
	return out, nil
}

func (c *RegistryClient) SetBot(ctx context.Context, req *SetBotRequest) (*Bot, error) {
	if req.TenantID == "" || req.BotID == "" {
		return nil, errors.New("tenant id and bot id required")
	}
	bot, err := c.findBot(ctx, req.TenantID, req.BotID)
	if errors.Is(err, registry.ErrBotNotFound) {
		bot = registry.Bot{TenantID: req.TenantID, BotID: req.BotID, Platform: registry.PlatformTelegram, Enabled: true}
	} else if err != nil {
		return nil, err
	}

	if req.Name != nil {
		bot.Name = *req.Name
	}
	if req.Token != nil {
		bot.Token = *req.Token
	}
	if req.Platform != nil {
		switch p := registry.Platform(*req.Platform); p {
		case registry.PlatformTelegram, registry.PlatformMatrix:
			bot.Platform = p
		default:
			return nil, fmt.Errorf("unknown platform %q", *req.Platform)
		}
	}
	if req.Enabled != nil {
		bot.Enabled = *req.Enabled
	}

	if err := c.reg.PutBot(ctx, bot); err != nil {
		return nil, err
	}
	out := toBot(bot)
	return &out, nil
}

func (c *RegistryClient) DisableBot(ctx context.Context, tenantID, botID string) error {
	return c.reg.SetBotEnabled(ctx, tenantID, botID, false)
}

func (c *RegistryClient) Owners(ctx context.Context) ([]Owner, error) {
	if c.store == nil {
		return nil, ErrNoLockStore
	}
	ids, err := c.reg.ListTenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	owners := make([]Owner, 0, len(ids))
	for _, id := range ids {
		pod, _, err := c.store.Get(ctx, lock.OwnershipKey(id))
		if err != nil {
			return nil, fmt.Errorf("owner of %s: %w", id, err)
		}
		owners = append(owners, Owner{TenantID: id, Pod: pod})
	}
	return owners, nil
}

func (c *RegistryClient) findBot(ctx context.Context, tenantID, botID string) (registry.Bot, error) {
	bots, err := c.reg.ListBots(ctx, tenantID)
	if err != nil {
		return registry.Bot{}, err
	}
	for _, b := range bots {
		if b.BotID == botID {
			return b, nil
		}
	}
	return registry.Bot{}, registry.ErrBotNotFound
}

func toBot(b registry.Bot) Bot {
	return Bot{
		TenantID: b.TenantID,
		BotID:    b.BotID,
		Name:     b.Name,
		Platform: string(b.PlatformOrDefault()),
		Enabled:  b.Enabled,
		HasToken: b.Token != "",
	}
}
