package gateway

import (
	"context"
	"net/http"

	"github.com/agentbridge/bridge/bridge/auth"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/httputil"
)

type claimsKey struct{}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

func writeKernelError(w http.ResponseWriter, r *http.Request, err error) {
	ke := kernelerrors.GetKernelError(err)
	if ke == nil {
		ke = kernelerrors.Internal("unexpected error", err)
	}
	httputil.WriteErrorResponse(w, r, ke.HTTPStatus, string(ke.Code), ke.Message, ke.Details)
}
