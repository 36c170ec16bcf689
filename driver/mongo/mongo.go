// Package mongo is the MongoDB backend of prism. It registers a lowerer
// that turns plans into commands and provides a connector running them
// with go.mongodb.org/mongo-driver.
//
//	c, err := mongo.Open(ctx, "mongodb://localhost:27017/shop")
//	p, err := pool.New(ctx, c, cfg)
//	client, err := engine.Open(p, registry)
package mongo

import (
	"context"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syssam/prism"
	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/engine"
)

func init() {
	engine.RegisterLowerer(dialect.MongoDB, NewLowerer(0))
}

// DefaultConnectTimeout bounds dialing and server selection when the url
// sets no connectTimeoutMS.
const DefaultConnectTimeout = 10 * time.Second

// Connector hands out connections of one mongo.Client. The client keeps
// its own socket pool; a connection is a database handle plus the
// session of an open transaction.
type Connector struct {
	client   *mongo.Client
	database string
}

var _ dialect.Connector = (*Connector)(nil)

// Open connects a client to the mongodb:// url. The url must name the
// database. connection_limit sets the socket pool size of the client.
func Open(ctx context.Context, raw string) (*Connector, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.Dialect != dialect.MongoDB {
		return nil, prism.Errorf(prism.ConfigError, "%s url given to the mongodb driver", u.Dialect)
	}
	if u.Database == "" {
		return nil, prism.Errorf(prism.ConfigError, "mongodb url %s names no database", u).
			WithSuggestion("append the database name, for example mongodb://host:27017/app")
	}
	uri, err := clientURI(raw)
	if err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(uri)
	if opts.ConnectTimeout == nil {
		opts.SetConnectTimeout(DefaultConnectTimeout)
	}
	if opts.ServerSelectionTimeout == nil {
		opts.SetServerSelectionTimeout(DefaultConnectTimeout)
	}
	if n := u.Int("connection_limit", 0); n > 0 {
		opts.SetMaxPoolSize(uint64(n))
	}
	if err := opts.Validate(); err != nil {
		return nil, prism.Wrap(prism.ConfigError, err, "invalid mongodb url")
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, classify(err)
	}
	return &Connector{client: client, database: u.Database}, nil
}

// clientURI drops the parameters the driver does not know.
func clientURI(raw string) (string, error) {
	pu, err := url.Parse(raw)
	if err != nil {
		return "", prism.Wrap(prism.ConfigError, err, "invalid mongodb url")
	}
	q := pu.Query()
	for _, k := range []string{"connection_limit", "pool_timeout", "schema"} {
		q.Del(k)
	}
	pu.RawQuery = q.Encode()
	return pu.String(), nil
}

// Connect implements dialect.Connector.
func (c *Connector) Connect(ctx context.Context) (dialect.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	return &Conn{client: c.client, database: c.database, db: c.client.Database(c.database)}, nil
}

// Dialect implements dialect.Connector.
func (*Connector) Dialect() string { return dialect.MongoDB }

// Database returns the default database name.
func (c *Connector) Database() string { return c.database }

// Close disconnects the client.
func (c *Connector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	defer cancel()
	return classify(c.client.Disconnect(ctx))
}
