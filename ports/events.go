package ports

import "context"

// EventPublisher publishes authentication events for other services
type EventPublisher interface {
	PublishLogin(ctx context.Context, userID string, created bool) error
}
