package dbctx

import (
	"context"

	"gorm.io/gorm"

	"github.com/devforge/orchestrator/internal/pkg/ctxutil"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Context returns c.Ctx, falling back to context.Background() for
// zero-value dbctx.Context{} call sites (e.g. ad hoc construction in
// tests) instead of handing gorm a nil context.
func (c Context) Context() context.Context {
	return ctxutil.Default(c.Ctx)
}
