// Package core holds the webhook delivery domain: event types, app users,
// webhooks and messages, the message lifecycle, intake, the fan-out
// dispatcher and the job runner. Storage, queue and transport adapters
// depend on this package; core depends on none of them.
package core
