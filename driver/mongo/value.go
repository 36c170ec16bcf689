package mongo

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
)

// resolver replaces argument placeholders of a command.
type resolver struct {
	args []filter.Value
	key  string
}

func (r *resolver) column(c string) string {
	if c == r.key && c != "" {
		return "_id"
	}
	return c
}

func (r *resolver) arg(n any, key bool) (any, error) {
	num, ok := n.(json.Number)
	if !ok {
		return nil, prism.Errorf(prism.InvalidParameter, "invalid mongodb parameter index %v", n)
	}
	i, err := num.Int64()
	if err != nil || i < 0 || int(i) >= len(r.args) {
		return nil, prism.Errorf(prism.InvalidParameter, "mongodb parameter %s out of range, %d given", num, len(r.args))
	}
	v, err := ToBSON(r.args[i], key)
	if err != nil {
		e, _ := prism.AsError(prism.Wrap(prism.TypeConversion, err, "encode parameter"))
		return nil, e.With("position", strconv.FormatInt(i+1, 10))
	}
	return v, nil
}

func (r *resolver) document(doc map[string]any) (bson.M, error) {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		rv, err := r.value(v)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (r *resolver) value(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		if len(v) == 1 {
			if n, ok := v["$param"]; ok {
				return r.arg(n, false)
			}
			if n, ok := v["$key"]; ok {
				return r.arg(n, true)
			}
		}
		return r.document(v)
	case []any:
		out := make(bson.A, len(v))
		for i, e := range v {
			rv, err := r.value(e)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

// fields builds an ordered document from assignments. The key column is
// stored as _id.
func (r *resolver) fields(fs []Field) (bson.D, error) {
	d := make(bson.D, 0, len(fs))
	for _, f := range fs {
		key := f.Column == r.key
		v, err := r.arg(json.Number(strconv.Itoa(f.Param)), key)
		if err != nil {
			return nil, err
		}
		if key && v == nil {
			continue
		}
		d = append(d, bson.E{Key: r.column(f.Column), Value: v})
	}
	return d, nil
}

// ToBSON converts a parameter to a BSON value. Strings of the primary key
// that are valid object ids become primitive.ObjectID.
func ToBSON(v filter.Value, key bool) (any, error) {
	switch v.Kind() {
	case filter.KindNull:
		return nil, nil
	case filter.KindBool:
		return v.AsBool(), nil
	case filter.KindInt:
		return v.AsInt(), nil
	case filter.KindFloat:
		return v.AsFloat(), nil
	case filter.KindString:
		if key {
			if id, err := primitive.ObjectIDFromHex(v.Text()); err == nil {
				return id, nil
			}
		}
		return v.Text(), nil
	case filter.KindJSON:
		return jsonValue(v.AsJSON())
	case filter.KindList:
		out := make(bson.A, v.Len())
		for i, e := range v.Elems() {
			be, err := ToBSON(e, key)
			if err != nil {
				return nil, err
			}
			out[i] = be
		}
		return out, nil
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("invalid value")
}

// jsonValue decodes a JSON parameter, keeping integers as int64.
func jsonValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return nil, err
	}
	return numbers(x), nil
}

func numbers(x any) any {
	switch x := x.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		m := make(bson.M, len(x))
		for k, v := range x {
			m[k] = numbers(v)
		}
		return m
	case []any:
		a := make(bson.A, len(x))
		for i, v := range x {
			a[i] = numbers(v)
		}
		return a
	}
	return x
}

// fromBSON converts a decoded BSON value to the record representation.
func fromBSON(v any) any {
	switch v := v.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(v.T), 0).UTC()
	case primitive.Decimal128:
		return v.String()
	case primitive.Binary:
		return v.Data
	case int32:
		return int64(v)
	case primitive.A:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = fromBSON(e)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = fromBSON(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	}
	return v
}

// MongoDB server error codes.
const (
	codeMaxTimeExpired = 50
	codeWriteConflict  = 112
	codeNoSuchTx       = 251
)

// Classify maps driver errors to error codes.
func Classify(err error) (prism.ErrorCode, bool) {
	switch {
	case err == nil:
		return prism.Internal, false
	case mongo.IsDuplicateKeyError(err):
		return prism.UniqueConstraint, true
	case errors.Is(err, mongo.ErrClientDisconnected), mongo.IsNetworkError(err):
		return prism.ConnectionLost, true
	case mongo.IsTimeout(err):
		return prism.StatementTimeout, true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeMaxTimeExpired):
			return prism.StatementTimeout, true
		case se.HasErrorCode(codeNoSuchTx):
			return prism.TransactionClosed, true
		case se.HasErrorCode(codeWriteConflict), se.HasErrorLabel("TransientTransactionError"):
			return prism.SerializationFailure, true
		}
	}
	return sqlgraph.Classify(err)
}

var backend = &sqlb.Backend{Dialect: dialect.MongoDB, Classify: Classify}

func classify(err error) error {
	return sqlb.Classify(backend, err, prism.StatementTimeout)
}
