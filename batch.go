package main

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// insertBatch is a multi-row INSERT for one table.
type insertBatch struct {
	Table   TableName
	Columns []string
	Tuples  []string // rendered "(v1,v2,...)" per row
}

// buildBatch completes each row from column defaults and renders the
// survivors. A row missing a value with no resolvable default is dropped
// whole. It returns nil when no row survives.
func buildBatch(table *TableSchema, rows []Row) *insertBatch {
	if len(rows) == 0 {
		return nil
	}

	b := &insertBatch{Table: table.Name, Columns: table.ColumnNames()}
	values := make([]string, len(table.Columns))

rows:
	for _, row := range rows {
		for i, col := range table.Columns {
			if v, ok := row[i]; ok {
				values[i] = v
				continue
			}
			v, ok := resolveDefault(col, columnKind(col.RawType))
			if !ok {
				log.WithFields(log.Fields{"table": table.Name.String(), "column": col.Name}).
					Info("dropping row with no value or default for column")
				continue rows
			}
			values[i] = v
		}
		b.Tuples = append(b.Tuples, "("+strings.Join(values, ",")+")")
	}

	if len(b.Tuples) == 0 {
		return nil
	}
	return b
}

// Len is the number of rows in the batch.
func (b *insertBatch) Len() int { return len(b.Tuples) }

func (b *insertBatch) head() string {
	return "INSERT INTO " + b.Table.String() + " (" + strings.Join(b.Columns, ",") + ")"
}

func (b *insertBatch) values() string {
	return "VALUES " + strings.Join(b.Tuples, ",")
}

// Statement renders the plain INSERT statement.
func (b *insertBatch) Statement() string {
	return b.head() + " " + b.values()
}
