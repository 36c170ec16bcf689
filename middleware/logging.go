package middleware

import (
	"context"
	"log/slog"
)

// Logging logs every statement at debug level, slow statements at warn
// level and failures at error level.
func Logging(opts ...Option) Middleware {
	o := newOptions(opts)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, q *QueryContext) (*Response, error) {
			resp, err := next.Handle(ctx, q)
			elapsed := q.Elapsed()
			attrs := []any{
				slog.String("type", q.Type.String()),
				slog.String("sql", q.SQL),
				slog.Duration("duration", elapsed),
				slog.String("request_id", q.Meta.RequestID),
			}
			if q.Meta.Model != "" {
				attrs = append(attrs, slog.String("model", q.Meta.Model))
			}
			if q.Meta.TenantID != "" {
				attrs = append(attrs, slog.String("tenant_id", q.Meta.TenantID))
			}
			if o.logArgs {
				args := make([]any, len(q.Args))
				for i, a := range q.Args {
					args[i] = a.Any()
				}
				attrs = append(attrs, slog.Any("args", args))
			}
			switch {
			case err != nil:
				o.log.ErrorContext(ctx, "prism: query failed", append(attrs, slog.Any("error", err))...)
			case o.slow > 0 && elapsed > o.slow && !q.Skipped():
				o.log.WarnContext(ctx, "prism: slow query", append(attrs, slog.Duration("threshold", o.slow))...)
			default:
				o.log.DebugContext(ctx, "prism: query",
					append(attrs, slog.Int("rows", resp.Len()), slog.Bool("cached", q.Skipped()))...)
			}
			return resp, err
		})
	}
}
