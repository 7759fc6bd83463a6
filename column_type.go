package main

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	intTypePattern  = regexp.MustCompile(`(U)?Int(8|16|32|64)`)
	enumTypePattern = regexp.MustCompile(`Enum(8|16)\(`)
)

// ColumnType is the structured form of a column's raw type name.
//
// IntegerWidth is positive for signed integers, negative for unsigned
// integers and enums, and 0 when the column is not integer-like.
type ColumnType struct {
	Nullable     bool
	IntegerWidth int
	IsEnum       bool
}

func isNullableType(raw string) bool {
	return strings.HasPrefix(raw, "Nullable(")
}

// parseColumnType parses a ClickHouse-style type name such as
// "Nullable(Int32)", "UInt64" or "Enum8('A' = 0, 'B' = 1)".
func parseColumnType(raw string) (ColumnType, error) {
	ct := ColumnType{Nullable: isNullableType(raw)}
	bare := withoutLiterals(raw)

	if m := intTypePattern.FindAllStringSubmatch(bare, -1); len(m) > 1 {
		return ColumnType{}, parseErrorf("ambiguous integer type %q", raw)
	} else if len(m) == 1 {
		width, err := strconv.Atoi(m[0][2])
		if err != nil {
			return ColumnType{}, parseErrorf("invalid integer width in %q", raw)
		}
		if m[0][1] == "U" {
			width = -width
		}
		ct.IntegerWidth = width
	}

	if m := enumTypePattern.FindAllStringSubmatch(bare, -1); len(m) > 1 {
		return ColumnType{}, parseErrorf("ambiguous enum type %q", raw)
	} else if len(m) == 1 {
		width, err := strconv.Atoi(m[0][1])
		if err != nil {
			return ColumnType{}, parseErrorf("invalid enum width in %q", raw)
		}
		ct.IntegerWidth = -width
		ct.IsEnum = true
	}

	return ct, nil
}

// withoutLiterals drops the contents of quoted enum labels so a label such
// as 'Int8' is never read as a type name.
func withoutLiterals(raw string) string {
	if strings.IndexByte(raw, '\'') < 0 {
		return raw
	}
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case !inQuote:
			b.WriteByte(c)
			inQuote = c == '\''
		case c == '\\':
			i++
		case c == '\'' && i+1 < len(raw) && raw[i+1] == '\'':
			i++
		case c == '\'':
			b.WriteByte(c)
			inQuote = false
		}
	}
	return b.String()
}

// baseTypeName strips Nullable/LowCardinality wrappers and type parameters.
func baseTypeName(raw string) string {
	t := strings.TrimSpace(raw)
	for _, wrapper := range []string{"Nullable(", "LowCardinality("} {
		for strings.HasPrefix(t, wrapper) && strings.HasSuffix(t, ")") {
			t = t[len(wrapper) : len(t)-1]
		}
	}
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// columnKind infers the literal fallback class of a column from its type
// name alone, for columns that no message field is bound to.
func columnKind(raw string) FieldKind {
	switch strings.ToLower(baseTypeName(raw)) {
	case "bool", "boolean":
		return KindBool
	case "string", "fixedstring", "text", "varchar", "char", "nvarchar", "nchar", "uuid":
		return KindString
	case "map", "tuple", "json", "object":
		return KindMessage
	}
	return KindUnknown
}
