package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/ratelimit"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db    *bun.DB
	cache repositorycache.CacheService

	eventTypeStore       *EventTypeStore
	cachedEventTypeStore *CachedEventTypeStore
	appUserStore         *AppUserStore
	webhookStore         *WebhookStore
	messageStore         *MessageStore
	deliveryStore        *WebhookDeliveryStore
	throttleStateStore   *ThrottleStateStore
	cachedThrottleStore  *CachedThrottleStateStore
}

type FactoryOption func(*RepositoryFactory)

// WithCacheService fronts event type and throttle state reads with the
// given cache.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		if f != nil {
			f.cache = cacheService
		}
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.messageStore != nil && f.webhookStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventTypeStore() core.EventTypeStore {
	if f == nil {
		return nil
	}
	if f.cachedEventTypeStore != nil {
		return f.cachedEventTypeStore
	}
	return f.eventTypeStore
}

// EventTypes exposes the write side of the event type table.
func (f *RepositoryFactory) EventTypes() *EventTypeStore {
	if f == nil {
		return nil
	}
	return f.eventTypeStore
}

func (f *RepositoryFactory) AppUserStore() core.AppUserStore {
	if f == nil {
		return nil
	}
	return f.appUserStore
}

func (f *RepositoryFactory) AppUsers() *AppUserStore {
	if f == nil {
		return nil
	}
	return f.appUserStore
}

func (f *RepositoryFactory) WebhookStore() core.WebhookStore {
	if f == nil {
		return nil
	}
	return f.webhookStore
}

func (f *RepositoryFactory) Webhooks() *WebhookStore {
	if f == nil {
		return nil
	}
	return f.webhookStore
}

func (f *RepositoryFactory) MessageStore() core.MessageStore {
	if f == nil {
		return nil
	}
	return f.messageStore
}

func (f *RepositoryFactory) DeliveryLedger() core.DeliveryLedger {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) Deliveries() *WebhookDeliveryStore {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) ThrottleStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	if f.cachedThrottleStore != nil {
		return f.cachedThrottleStore
	}
	return f.throttleStateStore
}

func (f *RepositoryFactory) initStores() error {
	var err error
	if f.eventTypeStore, err = NewEventTypeStore(f.db); err != nil {
		return err
	}
	if f.appUserStore, err = NewAppUserStore(f.db); err != nil {
		return err
	}
	if f.webhookStore, err = NewWebhookStore(f.db); err != nil {
		return err
	}
	if f.messageStore, err = NewMessageStore(f.db); err != nil {
		return err
	}
	if f.deliveryStore, err = NewWebhookDeliveryStore(f.db); err != nil {
		return err
	}
	if f.throttleStateStore, err = NewThrottleStateStore(f.db); err != nil {
		return err
	}

	if f.cache != nil {
		if f.cachedEventTypeStore, err = NewCachedEventTypeStore(f.eventTypeStore, f.cache); err != nil {
			return err
		}
		f.eventTypeStore.OnArchive(f.cachedEventTypeStore.Invalidate)
		if f.cachedThrottleStore, err = NewCachedThrottleStateStore(f.throttleStateStore, f.cache); err != nil {
			return err
		}
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
