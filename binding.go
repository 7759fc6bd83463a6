package main

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// PreparedField associates one message field with one destination column.
// It holds field numbers and type names only; descriptors are resolved
// against the SchemaContext when rows are transformed.
type PreparedField struct {
	FieldName string
	Number    int32
	Kind      FieldKind
	TypeName  string
	Repeated  bool
	Column    ColumnDescriptor
	Type      ColumnType
}

// MessageBinding maps a message type onto a table, keyed by zero-based column index.
type MessageBinding struct {
	Message string
	Table   *TableSchema
	Fields  map[int]PreparedField

	order []int
}

// bindMessage binds every column whose name equals a field name of msg.
// Columns without a matching field stay unbound and are filled from their
// own defaults when batches are built.
func bindMessage(msg MessageSchema, table *TableSchema) (*MessageBinding, error) {
	byName := make(map[string]FieldSchema)
	for _, f := range msg.Fields() {
		byName[f.Name] = f
	}

	b := &MessageBinding{
		Message: msg.FullName(),
		Table:   table,
		Fields:  make(map[int]PreparedField, len(table.Columns)),
	}
	for _, col := range table.Columns {
		f, ok := byName[col.Name]
		if !ok {
			continue
		}
		ct, err := parseColumnType(col.RawType)
		if err != nil {
			return nil, fmt.Errorf("bind %s.%s to %s: %w", b.Message, f.Name, table.Name, err)
		}
		b.Fields[col.Index()] = PreparedField{
			FieldName: f.Name,
			Number:    f.Number,
			Kind:      f.Kind,
			TypeName:  f.TypeName,
			Repeated:  f.Repeated,
			Column:    col,
			Type:      ct,
		}
		b.order = append(b.order, col.Index())
	}
	sort.Ints(b.order)

	log.WithFields(log.Fields{
		"message": b.Message,
		"table":   table.Name.String(),
		"columns": len(table.Columns),
		"bound":   len(b.Fields),
	}).Info("bound message to table")

	return b, nil
}

// Indices returns bound column indices in ascending order.
func (b *MessageBinding) Indices() []int {
	return b.order
}

// Unbound returns the names of columns with no matching message field.
func (b *MessageBinding) Unbound() []string {
	var names []string
	for _, col := range b.Table.Columns {
		if _, ok := b.Fields[col.Index()]; !ok {
			names = append(names, col.Name)
		}
	}
	return names
}
