package requestdata

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// RequestData carries the authenticated caller's identity: the tenant the
// request is scoped to and the acting user. Auth itself lives outside this
// service; this is only the hand-off surface.
type RequestData struct {
	CompanyID uuid.UUID
	UserID    uuid.UUID
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, ctxKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	rd, _ := ctx.Value(ctxKey{}).(*RequestData)
	return rd
}
