package ledger

import "context"

// Applier is the per-shard execution collaborator invoked during local
// prepare, commit and abort. Real validation and state application are out
// of scope for the coordination engine.
type Applier interface {
	Apply(ctx context.Context, tx *Transaction) error
}

// AcceptAll is an Applier that always succeeds. It stands in for the real
// ledger in tests and in deployments where execution is handled downstream.
type AcceptAll struct{}

func (AcceptAll) Apply(ctx context.Context, tx *Transaction) error { return nil }
