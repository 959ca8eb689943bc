package sqlstore

import (
	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/ratelimit"
)

var (
	_ core.EventTypeStore         = (*EventTypeStore)(nil)
	_ core.AppUserStore           = (*AppUserStore)(nil)
	_ core.WebhookStore           = (*WebhookStore)(nil)
	_ core.MessageStore           = (*MessageStore)(nil)
	_ core.DeliveryLedger         = (*WebhookDeliveryStore)(nil)
	_ ratelimit.StateStore        = (*ThrottleStateStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
