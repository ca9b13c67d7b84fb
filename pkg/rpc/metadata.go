package rpc

import (
	"context"
)

type metadataKey struct{}

// NewContextWithMetadata returns a context carrying metadata for the
// interaction being dispatched. Middleware and handlers share it through
// the context passed to every MethodFunc.
func NewContextWithMetadata(ctx context.Context, metadata map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

// AppendMetadataToContext merges metadata into whatever the context
// already carries.
func AppendMetadataToContext(ctx context.Context, metadata map[string]string) context.Context {
	i := ctx.Value(metadataKey{})
	if i == nil {
		return context.WithValue(ctx, metadataKey{}, metadata)
	}
	existing, ok := i.(map[string]string)
	if !ok {
		return context.WithValue(ctx, metadataKey{}, metadata)
	}
	for k, v := range metadata {
		existing[k] = v
	}
	return context.WithValue(ctx, metadataKey{}, existing)
}

// GetMetadataFromContext returns the metadata carried by the context, or
// nil if there is none.
func GetMetadataFromContext(ctx context.Context) map[string]string {
	v := ctx.Value(metadataKey{})
	if v != nil {
		md, ok := v.(map[string]string)
		if ok {
			return md
		}
	}
	return nil
}
