package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// Conn runs commands on one database. Statements run inside the session
// of an open transaction.
type Conn struct {
	client   *mongo.Client
	database string
	db       *mongo.Database
	session  mongo.Session
}

var _ dialect.Conn = (*Conn)(nil)

// Dialect implements dialect.Conn.
func (*Conn) Dialect() string { return dialect.MongoDB }

func (c *Conn) ctx(ctx context.Context) context.Context {
	if c.session != nil {
		return mongo.NewSessionContext(ctx, c.session)
	}
	return ctx
}

// Exec runs a command and stores its outcome in v, a *dialect.Result.
func (c *Conn) Exec(ctx context.Context, text string, args, v any) error {
	vr, ok := v.(*dialect.Result)
	if v != nil && !ok {
		return prism.Errorf(prism.Internal, "driver/mongo: invalid type %T. expect *dialect.Result", v)
	}
	var rows dialect.Rows
	res, err := c.run(ctx, text, args, &rows)
	if err != nil {
		return err
	}
	if vr != nil {
		*vr = res
	}
	return nil
}

// Query runs a command and stores its records in v, a *dialect.Rows.
func (c *Conn) Query(ctx context.Context, text string, args, v any) error {
	vr, ok := v.(*dialect.Rows)
	if !ok {
		return prism.Errorf(prism.Internal, "driver/mongo: invalid type %T. expect *dialect.Rows", v)
	}
	_, err := c.run(ctx, text, args, vr)
	return err
}

// ParseCommand decodes a command text. Numbers are kept as json.Number.
func ParseCommand(text string) (*Command, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return nil, prism.Wrap(prism.InvalidParameter, err, "invalid mongodb command")
	}
	if cmd.Collection == "" {
		return nil, prism.New(prism.InvalidParameter, "mongodb command names no collection")
	}
	return &cmd, nil
}

func (c *Conn) run(ctx context.Context, text string, args any, rows *dialect.Rows) (dialect.Result, error) {
	var res dialect.Result
	cmd, err := ParseCommand(text)
	if err != nil {
		return res, err
	}
	vals, err := arguments(args)
	if err != nil {
		return res, err
	}
	r := &resolver{args: vals, key: cmd.Key}
	where, err := r.document(cmd.Filter)
	if err != nil {
		return res, err
	}
	coll := c.db.Collection(cmd.Collection)
	ctx = c.ctx(ctx)
	switch cmd.Op {
	case OpFind:
		opts := options.Find()
		if cmd.Limit != nil {
			opts.SetLimit(int64(*cmd.Limit))
		}
		if cmd.Skip != nil {
			opts.SetSkip(int64(*cmd.Skip))
		}
		if len(cmd.Sort) > 0 {
			sort := make(bson.D, len(cmd.Sort))
			for i, s := range cmd.Sort {
				dir := 1
				if s.Desc {
					dir = -1
				}
				sort[i] = bson.E{Key: s.Column, Value: dir}
			}
			opts.SetSort(sort)
		}
		if cmd.Project {
			proj := bson.D{}
			for _, col := range cmd.Columns {
				proj = append(proj, bson.E{Key: r.column(col), Value: 1})
			}
			opts.SetProjection(proj)
		}
		cur, err := coll.Find(ctx, where, opts)
		if err != nil {
			return res, classify(err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return res, classify(err)
		}
		records(cmd, docs, rows)
	case OpCount:
		n, err := coll.CountDocuments(ctx, where)
		if err != nil {
			return res, classify(err)
		}
		*rows = dialect.Rows{Columns: []string{"_count"}, Records: []dialect.Record{{"_count": n}}}
	case OpAggregate:
		group := bson.D{{Key: "_id", Value: nil}}
		for _, a := range cmd.Group {
			acc, err := accumulator(a, r)
			if err != nil {
				return res, err
			}
			group = append(group, bson.E{Key: a.Alias, Value: acc})
		}
		pipeline := mongo.Pipeline{{{Key: "$match", Value: where}}, {{Key: "$group", Value: group}}}
		cur, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return res, classify(err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return res, classify(err)
		}
		rec := dialect.Record{}
		*rows = dialect.Rows{Records: []dialect.Record{rec}}
		for _, a := range cmd.Group {
			rows.Columns = append(rows.Columns, a.Alias)
			rec[a.Alias] = nil
			if len(docs) > 0 {
				rec[a.Alias] = fromBSON(docs[0][a.Alias])
			}
		}
		if len(docs) == 0 {
			for _, a := range cmd.Group {
				if strings.EqualFold(a.Fn, "count") {
					rec[a.Alias] = int64(0)
				}
			}
		}
	case OpInsert:
		docs := make([]any, len(cmd.Documents))
		for i, fs := range cmd.Documents {
			if docs[i], err = r.fields(fs); err != nil {
				return res, err
			}
		}
		if len(docs) == 0 {
			return res, nil
		}
		out, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return res, classify(err)
		}
		res.RowsAffected = int64(len(out.InsertedIDs))
		inserted := make([]bson.M, len(docs))
		for i, d := range docs {
			m := bson.M{"_id": out.InsertedIDs[i]}
			for _, e := range d.(bson.D) {
				m[e.Key] = e.Value
			}
			inserted[i] = m
		}
		if cmd.Key != "" {
			cmd.Columns = appendMissing(cmd.Columns, cmd.Key)
		}
		records(cmd, inserted, rows)
	case OpUpdate:
		set, err := r.fields(cmd.Set)
		if err != nil {
			return res, err
		}
		if len(set) == 0 {
			n, err := coll.CountDocuments(ctx, where, countLimit(cmd.Multi))
			if err != nil {
				return res, classify(err)
			}
			res.RowsAffected = n
			return res, nil
		}
		update := bson.D{{Key: "$set", Value: set}}
		var out *mongo.UpdateResult
		if cmd.Multi {
			out, err = coll.UpdateMany(ctx, where, update)
		} else {
			out, err = coll.UpdateOne(ctx, where, update)
		}
		if err != nil {
			return res, classify(err)
		}
		res.RowsAffected = out.MatchedCount
	case OpUpsert:
		set, err := r.fields(cmd.Set)
		if err != nil {
			return res, err
		}
		update := bson.D{}
		if len(set) > 0 {
			update = append(update, bson.E{Key: "$set", Value: set})
		}
		if len(cmd.Documents) == 1 {
			insert, err := r.fields(cmd.Documents[0])
			if err != nil {
				return res, err
			}
			onInsert := bson.D{}
			for _, e := range insert {
				if !hasKey(set, e.Key) {
					onInsert = append(onInsert, e)
				}
			}
			if len(onInsert) > 0 {
				update = append(update, bson.E{Key: "$setOnInsert", Value: onInsert})
			}
		}
		if len(update) == 0 {
			return res, prism.New(prism.InvalidParameter, "upsert writes nothing")
		}
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		var doc bson.M
		if err := coll.FindOneAndUpdate(ctx, where, update, opts).Decode(&doc); err != nil {
			return res, classify(err)
		}
		res.RowsAffected = 1
		records(cmd, []bson.M{doc}, rows)
	case OpDelete:
		var out *mongo.DeleteResult
		if cmd.Multi {
			out, err = coll.DeleteMany(ctx, where)
		} else {
			out, err = coll.DeleteOne(ctx, where)
		}
		if err != nil {
			return res, classify(err)
		}
		res.RowsAffected = out.DeletedCount
	default:
		return res, prism.Errorf(prism.InvalidParameter, "unknown mongodb command %q", cmd.Op)
	}
	return res, nil
}

func countLimit(multi bool) *options.CountOptions {
	opts := options.Count()
	if !multi {
		opts.SetLimit(1)
	}
	return opts
}

func accumulator(a Accumulator, r *resolver) (bson.D, error) {
	field := "$" + r.column(a.Column)
	switch strings.ToUpper(a.Fn) {
	case "COUNT":
		if a.Column == "" || a.Column == "*" {
			return bson.D{{Key: "$sum", Value: 1}}, nil
		}
		notNull := bson.D{{Key: "$gt", Value: bson.A{field, nil}}}
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{notNull, 1, 0}}}}}, nil
	case "SUM":
		return bson.D{{Key: "$sum", Value: field}}, nil
	case "AVG":
		return bson.D{{Key: "$avg", Value: field}}, nil
	case "MIN":
		return bson.D{{Key: "$min", Value: field}}, nil
	case "MAX":
		return bson.D{{Key: "$max", Value: field}}, nil
	}
	return nil, prism.Errorf(prism.InvalidParameter, "unsupported aggregate %q", a.Fn)
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}

func appendMissing(cols []string, col string) []string {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	return append([]string{col}, cols...)
}

// records converts documents to records with the columns of cmd. The _id
// field is returned under the key column.
func records(cmd *Command, docs []bson.M, rows *dialect.Rows) {
	rows.Columns = cmd.Columns
	rows.Records = make([]dialect.Record, 0, len(docs))
	for _, doc := range docs {
		rec := make(dialect.Record, len(cmd.Columns))
		if cmd.Key != "" {
			if id, ok := doc["_id"]; ok {
				doc[cmd.Key] = id
			}
		}
		if len(cmd.Columns) == 0 {
			for k, v := range doc {
				if k != "_id" || cmd.Key == "" {
					rec[k] = fromBSON(v)
				}
			}
		}
		for _, col := range cmd.Columns {
			rec[col] = fromBSON(doc[col])
		}
		rows.Records = append(rows.Records, rec)
	}
}

func arguments(args any) ([]filter.Value, error) {
	switch args := args.(type) {
	case nil:
		return nil, nil
	case []filter.Value:
		return args, nil
	case []any:
		vs := make([]filter.Value, len(args))
		for i, a := range args {
			vs[i] = filter.V(a)
			if err := vs[i].Err(); err != nil {
				return nil, prism.Wrap(prism.TypeConversion, err, fmt.Sprintf("argument %d", i+1))
			}
		}
		return vs, nil
	}
	return nil, prism.Errorf(prism.Internal, "driver/mongo: invalid arguments %T", args)
}

// BeginTx starts a session and a transaction on it. Transactions need a
// replica set or a sharded cluster.
func (c *Conn) BeginTx(ctx context.Context, opts dialect.TxOptions) error {
	if c.session != nil {
		return prism.New(prism.TransactionClosed, "transaction already open")
	}
	sess, err := c.client.StartSession()
	if err != nil {
		return classify(err)
	}
	txOpts := options.Transaction()
	if opts.Isolation >= dialect.RepeatableRead {
		txOpts.SetReadConcern(readconcern.Snapshot())
	}
	if err := sess.StartTransaction(txOpts); err != nil {
		sess.EndSession(ctx)
		return classify(err)
	}
	c.session = sess
	return nil
}

// Commit commits the transaction and ends its session.
func (c *Conn) Commit(ctx context.Context) error {
	if c.session == nil {
		return prism.ErrTransactionClosed
	}
	sess := c.session
	c.session = nil
	defer sess.EndSession(context.WithoutCancel(ctx))
	return classify(sess.CommitTransaction(ctx))
}

// Rollback aborts the transaction and ends its session.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.session == nil {
		return prism.ErrTransactionClosed
	}
	sess := c.session
	c.session = nil
	defer sess.EndSession(context.WithoutCancel(ctx))
	return classify(sess.AbortTransaction(ctx))
}

// InTx implements dialect.Conn.
func (c *Conn) InTx() bool { return c.session != nil }

// SetSessionVar fails: MongoDB has no session variables.
func (c *Conn) SetSessionVar(context.Context, string, string) error {
	return prism.New(prism.ConfigError, "mongodb has no session variables").
		WithSuggestion("isolate tenants by database or by a tenant field")
}

// SetSchema switches the connection to another database.
func (c *Conn) SetSchema(_ context.Context, schema string) error {
	if schema == "" {
		return prism.New(prism.InvalidParameter, "empty database name")
	}
	c.db = c.client.Database(schema)
	return nil
}

// ResetSession returns to the default database.
func (c *Conn) ResetSession(context.Context) error {
	c.db = c.client.Database(c.database)
	return nil
}

// Ping implements dialect.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return classify(c.client.Ping(ctx, readpref.Primary()))
}

// Close aborts an open transaction. The client stays connected.
func (c *Conn) Close() error {
	if c.session != nil {
		c.session.EndSession(context.Background())
		c.session = nil
	}
	return nil
}
