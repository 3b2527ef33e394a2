package resources

import "context"

// Hooks are optional lifecycle callbacks registered alongside an entity.
// Every field may be nil; an absent hook is simply skipped. Before hooks
// may rewrite the payload they are handed. Any error returned from a hook
// aborts the operation and rolls back its transaction.
type Hooks struct {
	BeforeCreate func(ctx context.Context, payload Record) (Record, error)
	AfterCreate  func(ctx context.Context, saved Record) error

	BeforeUpdate func(ctx context.Context, existing, payload Record) (Record, error)
	AfterUpdate  func(ctx context.Context, saved Record) error

	BeforeDelete func(ctx context.Context, existing Record) error
	AfterDelete  func(ctx context.Context, existing Record) error
}
