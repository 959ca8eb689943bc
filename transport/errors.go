package transport

import (
	goerrors "github.com/goliatone/go-errors"
	"github.com/shahreaz0/xwebhook/core"
)

// deliveryFailure builds the go-errors envelope for a failed webhook call.
// source may be nil. The text code follows the category, so a bad webhook
// URL and an unreachable receiver stay distinguishable upstream.
func deliveryFailure(source error, category goerrors.Category, code int, message string, metadata map[string]any) error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(source, category, message)
	}
	err = err.WithCode(code).WithTextCode(textCodeFor(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func textCodeFor(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryRateLimit:
		return core.ErrorRateLimited
	case goerrors.CategoryExternal:
		return core.ErrorDeliveryFailed
	default:
		return core.ErrorInternal
	}
}

func webhookFields(req core.DeliveryRequest, kv ...any) map[string]any {
	fields := map[string]any{"webhook_id": req.Webhook.ID}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return fields
}
