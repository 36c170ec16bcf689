// Package schema holds the schema AST consumed by the query engine: models
// with their tables, columns and primary keys, enums, composite types and
// the relations between models.
//
// A schema is usually produced by an external parser. It can also be
// decoded from YAML or JSON with Parse, Load or LoadFile:
//
//	s, err := schema.LoadFile("schema.yaml")
//	if err != nil {
//	    return err
//	}
//	reg, err := schema.RegistryFor(s)
//
// # Naming
//
// Table and column names default to the snake case of the model and field
// names, with table names pluralized:
//
//	User      -> users
//	OrderItem -> order_items
//	createdAt -> created_at
//
// # Relations
//
// A Relation matches rows of the owning model to rows of a related model.
// Missing key fields are derived from the relation kind:
//
//	one_to_many   users.id = posts.user_id
//	many_to_one   posts.author_id = users.id
//	many_to_many  posts.id = post_tags.post_id, post_tags.tag_id = tags.id
//
// Many-to-many relations require a join table. Relation.Inverse derives
// the relation seen from the other side; one-to-many inverts to
// many-to-one.
package schema
