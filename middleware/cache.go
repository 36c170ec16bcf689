package middleware

import (
	"bytes"
	"context"
	"hash/fnv"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// CacheConfig configures the response cache.
type CacheConfig struct {
	// TTL of cached responses. Zero keeps them until invalidated.
	TTL time.Duration
	// Models limits caching to the named models. Empty caches every model.
	Models []string
}

// cachedResponse is the msgpack payload of a cached response.
type cachedResponse struct {
	Columns []string         `msgpack:"c"`
	Records []dialect.Record `msgpack:"r"`
}

// Cache answers reads of a model from c and invalidates every cached read
// of a model after a successful write to it. Statements without a model,
// statements inside a transaction and raw statements bypass the cache.
//
// Reads are keyed by Meta.TenantID. The engine sets it from the tenant of
// the context; a tenant taken from a tenant.Handle or a default tenant is
// only known after the tenant middleware ran, so register Cache after it
// in that case.
func Cache(c prism.Cache, cfg CacheConfig, opts ...Option) Middleware {
	o := newOptions(opts)
	cacheable := func(q *QueryContext) bool {
		return q.Meta.Model != "" && !q.Meta.InTx &&
			(len(cfg.Models) == 0 || slices.Contains(cfg.Models, q.Meta.Model))
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, q *QueryContext) (*Response, error) {
			if !cacheable(q) {
				return next.Handle(ctx, q)
			}
			if q.Type.IsWrite() {
				resp, err := next.Handle(ctx, q)
				if err == nil {
					prefix := prism.CacheKey{Model: q.Meta.Model}.Prefix()
					if derr := c.DeletePrefix(ctx, prefix); derr != nil {
						o.log.WarnContext(ctx, "prism: cache invalidation failed", "prefix", prefix, "error", derr)
					}
				}
				return resp, err
			}
			if !q.Type.IsRead() {
				return next.Handle(ctx, q)
			}
			key := ResponseKey(q).String()
			if data, err := c.Get(ctx, key); err != nil {
				o.log.DebugContext(ctx, "prism: cache get failed", "error", err)
			} else if data != nil {
				resp, err := decodeResponse(data)
				if err == nil {
					q.SkipWithResponse(resp)
					return next.Handle(ctx, q)
				}
				o.log.DebugContext(ctx, "prism: dropping undecodable cache entry", "key", key, "error", err)
			}
			resp, err := next.Handle(ctx, q)
			if err != nil || resp == nil || resp.Rows == nil {
				return resp, err
			}
			data, merr := encodeResponse(resp)
			if merr == nil {
				merr = c.Set(ctx, key, data, cfg.TTL)
			}
			if merr != nil {
				o.log.DebugContext(ctx, "prism: cache set failed", "key", key, "error", merr)
			}
			return resp, nil
		})
	}
}

// ResponseKey returns the cache key of a read statement. The tenant id is
// part of the parameter hash.
func ResponseKey(q *QueryContext) prism.CacheKey {
	return prism.CacheKey{
		Model:     q.Meta.Model,
		Operation: q.Meta.Operation,
		Statement: q.SQL,
		ArgsHash:  hashArgs(q.Meta.TenantID, q.Args),
	}
}

func hashArgs(tenant string, args []filter.Value) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tenant))
	for _, a := range args {
		h.Write([]byte{0, byte(a.Kind())})
		h.Write([]byte(a.String()))
	}
	return h.Sum64()
}

func encodeResponse(r *Response) ([]byte, error) {
	p := cachedResponse{Columns: r.Rows.Columns, Records: r.Rows.Records}
	return msgpack.Marshal(&p)
}

func decodeResponse(data []byte) (*Response, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var p cachedResponse
	if err := dec.Decode(&p); err != nil {
		return nil, prism.Wrap(prism.Serialization, err, "decode cached response")
	}
	return &Response{
		Rows:      &dialect.Rows{Columns: p.Columns, Records: p.Records},
		FromCache: true,
	}, nil
}
