package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// analyticsFile describes:
//
//	package analytics;
//	enum Level { A = 0; B = 1; }
//	message Inner { string label = 1; int32 count = 2; }
//	message Event {
//	  uint64 id = 1; string name = 2; Level level = 3; bool active = 4;
//	  Inner inner = 5; google.protobuf.Timestamp at = 6; repeated int32 tags = 7;
//	  bytes raw = 8; double score = 9; map<string, int64> attrs = 10;
//	}
func analyticsFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("analytics/event.proto"),
		Package:    proto.String("analytics"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Level"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("A"), Number: proto.Int32(0)},
				{Name: proto.String("B"), Number: proto.Int32(1)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Inner"),
				Field: []*descriptorpb.FieldDescriptorProto{
					fieldProto("label", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, "", false),
					fieldProto("count", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32, "", false),
				},
			},
			{
				Name: proto.String("Event"),
				Field: []*descriptorpb.FieldDescriptorProto{
					fieldProto("id", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT64, "", false),
					fieldProto("name", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING, "", false),
					fieldProto("level", 3, descriptorpb.FieldDescriptorProto_TYPE_ENUM, ".analytics.Level", false),
					fieldProto("active", 4, descriptorpb.FieldDescriptorProto_TYPE_BOOL, "", false),
					fieldProto("inner", 5, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".analytics.Inner", false),
					fieldProto("at", 6, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".google.protobuf.Timestamp", false),
					fieldProto("tags", 7, descriptorpb.FieldDescriptorProto_TYPE_INT32, "", true),
					fieldProto("raw", 8, descriptorpb.FieldDescriptorProto_TYPE_BYTES, "", false),
					fieldProto("score", 9, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, "", false),
					fieldProto("attrs", 10, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".analytics.Event.AttrsEntry", true),
				},
				NestedType: []*descriptorpb.DescriptorProto{{
					Name: proto.String("AttrsEntry"),
					Field: []*descriptorpb.FieldDescriptorProto{
						fieldProto("key", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, "", false),
						fieldProto("value", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, "", false),
					},
					Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
				}},
			},
		},
	}
}

func fieldProto(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	f := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Type:     typ.Enum(),
		Label:    label.Enum(),
		JsonName: proto.String(name),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func analyticsSchemas(t *testing.T) *protoSchemas {
	t.Helper()
	s := newProtoSchemas()
	require.NoError(t, s.addFileDescriptorProto(analyticsFile()))
	return s
}

// analyticsDescriptorSet is analyticsFile serialised as a FileDescriptorSet.
func analyticsDescriptorSet(t *testing.T) []byte {
	t.Helper()
	data, err := proto.Marshal(&descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{analyticsFile()},
	})
	require.NoError(t, err)
	return data
}

// eventBuilder sets Event fields by name.
type eventBuilder struct {
	t   *testing.T
	msg *dynamicpb.Message
}

func newEvent(t *testing.T, s *protoSchemas) *eventBuilder {
	t.Helper()
	md, ok := s.messageDescriptor("analytics.Event")
	require.True(t, ok)
	return &eventBuilder{t: t, msg: dynamicpb.NewMessage(md)}
}

func (b *eventBuilder) field(name string) protoreflect.FieldDescriptor {
	fd := b.msg.Descriptor().Fields().ByName(protoreflect.Name(name))
	require.NotNil(b.t, fd, "field %s", name)
	return fd
}

func (b *eventBuilder) set(name string, v protoreflect.Value) *eventBuilder {
	b.msg.Set(b.field(name), v)
	return b
}

func (b *eventBuilder) id(v uint64) *eventBuilder {
	return b.set("id", protoreflect.ValueOfUint64(v))
}

func (b *eventBuilder) name(v string) *eventBuilder {
	return b.set("name", protoreflect.ValueOfString(v))
}

func (b *eventBuilder) level(v int32) *eventBuilder {
	return b.set("level", protoreflect.ValueOfEnum(protoreflect.EnumNumber(v)))
}

func (b *eventBuilder) raw(v []byte) *eventBuilder {
	return b.set("raw", protoreflect.ValueOfBytes(v))
}

func (b *eventBuilder) inner(label string, count int32) *eventBuilder {
	fd := b.field("inner")
	v := b.msg.NewField(fd)
	m := v.Message()
	m.Set(fd.Message().Fields().ByName("label"), protoreflect.ValueOfString(label))
	m.Set(fd.Message().Fields().ByName("count"), protoreflect.ValueOfInt32(count))
	b.msg.Set(fd, v)
	return b
}

func (b *eventBuilder) at(seconds int64) *eventBuilder {
	fd := b.field("at")
	v := b.msg.NewField(fd)
	v.Message().Set(fd.Message().Fields().ByName("seconds"), protoreflect.ValueOfInt64(seconds))
	b.msg.Set(fd, v)
	return b
}

func (b *eventBuilder) tags(tags ...int32) *eventBuilder {
	fd := b.field("tags")
	list := b.msg.Mutable(fd).List()
	for _, tag := range tags {
		list.Append(protoreflect.ValueOfInt32(tag))
	}
	return b
}

func (b *eventBuilder) attr(key string, value int64) *eventBuilder {
	fd := b.field("attrs")
	b.msg.Mutable(fd).Map().Set(protoreflect.ValueOfString(key).MapKey(), protoreflect.ValueOfInt64(value))
	return b
}

func (b *eventBuilder) encode() []byte {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(b.msg)
	require.NoError(b.t, err)
	return data
}

func (b *eventBuilder) decoded() *Message {
	return convertMessage(b.msg)
}

// eventsColumns is the ClickHouse catalog of analytics.events used across tests.
func eventsColumns() []CatalogColumn {
	return []CatalogColumn{
		{Name: "id", Position: 1, Type: "UInt64"},
		{Name: "name", Position: 2, Type: "Nullable(String)"},
	}
}

var eventsTable = TableName{Database: "analytics", Table: "events"}

// memSource is an in-memory SourceStore. staleAfter[n] makes the n-th scan
// fail with ErrStale after delivering that many pages.
type memSource struct {
	entries    []KeyValue
	staleAfter map[int]int
	beginErr   error
	beginHook  func(ctx context.Context) error

	mu    sync.Mutex
	scans [][]byte // lower bound of every scan
}

func newMemSource(entries ...KeyValue) *memSource {
	sorted := append([]KeyValue(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })
	return &memSource{entries: sorted, staleAfter: map[int]int{}}
}

func (s *memSource) Name() string { return "memory" }
func (s *memSource) Close() error { return nil }

func (s *memSource) Begin(ctx context.Context) (SourceTxn, error) {
	if s.beginHook != nil {
		if err := s.beginHook(ctx); err != nil {
			return nil, err
		}
	}
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &memTxn{src: s}, nil
}

type memTxn struct {
	src *memSource
}

func (t *memTxn) Scan(ctx context.Context, from, to []byte, pageSize int, fn func([]KeyValue) error) error {
	t.src.mu.Lock()
	attempt := len(t.src.scans)
	t.src.scans = append(t.src.scans, append([]byte(nil), from...))
	limit, stale := t.src.staleAfter[attempt]
	t.src.mu.Unlock()

	var sel []KeyValue
	for _, kv := range t.src.entries {
		if bytes.Compare(kv.Key, from) >= 0 && bytes.Compare(kv.Key, to) < 0 {
			sel = append(sel, kv)
		}
	}
	for pages := 0; len(sel) > 0; pages++ {
		if stale && pages == limit {
			return fmt.Errorf("%w: injected at page %d", ErrStale, pages)
		}
		n := min(pageSize, len(sel))
		if err := fn(sel[:n]); err != nil {
			return err
		}
		sel = sel[n:]
	}
	return nil
}

func (t *memTxn) Cancel() {}

// memSink records executed statements.
type memSink struct {
	columns map[string][]CatalogColumn
	dialect sinkDialect
	execErr error

	stmts []string
}

func newMemSink() *memSink {
	return &memSink{
		columns: map[string][]CatalogColumn{eventsTable.String(): eventsColumns()},
		dialect: sinkDialect{Literal: literalDialect{BackslashEscapes: true, ArrayOpen: "[", ArrayClose: "]"}, Dedup: dedupToken},
	}
}

func (s *memSink) Name() string         { return "memory" }
func (s *memSink) Dialect() sinkDialect { return s.dialect }
func (s *memSink) Close() error         { return nil }

func (s *memSink) FetchColumns(_ context.Context, table TableName) ([]CatalogColumn, error) {
	return s.columns[table.String()], nil
}

func (s *memSink) Exec(_ context.Context, query string) error {
	if s.execErr != nil {
		return s.execErr
	}
	s.stmts = append(s.stmts, query)
	return nil
}

func kv(key string, value []byte) KeyValue {
	return KeyValue{Key: []byte(key), Value: value}
}
