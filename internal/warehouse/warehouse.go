// Package warehouse opens query clients for the trend statement.
package warehouse

import (
	"context"

	"contacttrend/internal/trend"
)

// Client is a trend.Querier bound to one project that must be closed after
// the page load that created it.
type Client interface {
	trend.Querier
	ProjectID() string
	Close() error
}

// Spec carries what the credential bootstrap resolved. Exactly one of
// CredentialsJSON and CredentialsFile is set; an empty ProjectID asks the
// client to detect it from the credentials.
type Spec struct {
	ProjectID       string
	CredentialsJSON []byte
	CredentialsFile string
}

// Factory builds clients from a resolved Spec.
type Factory interface {
	NewClient(ctx context.Context, spec Spec) (Client, error)
}

type FactoryFunc func(ctx context.Context, spec Spec) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context, spec Spec) (Client, error) {
	return f(ctx, spec)
}
