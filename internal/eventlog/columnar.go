package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

// columnarSchema mirrors the Event fields, flattened for columnar
// storage. Structured fields (Content, ToolCalls, Metadata) are stored as
// their JSON encoding in string columns.
var columnarSchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "session_id", Type: arrow.BinaryTypes.String},
	{Name: "trace_id", Type: arrow.BinaryTypes.String},
	{Name: "parent_trace_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "caller_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "node_kind", Type: arrow.BinaryTypes.String},
	{Name: "role", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "cell_name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "cascade_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "depth", Type: arrow.PrimitiveTypes.Int32},
	{Name: "candidate_index", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "is_winner", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "reforge_step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "duration_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "tokens_in", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "tokens_out", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "cost", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "content", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "tool_calls", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "metadata", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "has_images", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// ColumnarSink batches Events into Arrow records and rolls them into
// Parquet files under dir whenever a batch exceeds the configured row
// count (default 100k) or the retention window (default 24h).
type ColumnarSink struct {
	dir          string
	maxRows      int
	rollInterval time.Duration

	pool    arrowmem.Allocator
	bldr    *array.RecordBuilder
	rows    int
	openedAt time.Time
	curPath  string
}

// NewColumnarSink creates a sink rooted at dir. maxRows<=0 defaults to
// 100,000; rollInterval<=0 defaults to 24h.
func NewColumnarSink(dir string, maxRows int, rollInterval time.Duration) (*ColumnarSink, error) {
	if maxRows <= 0 {
		maxRows = 100_000
	}
	if rollInterval <= 0 {
		rollInterval = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: columnar sink: %w", err)
	}
	pool := arrowmem.NewGoAllocator()
	return &ColumnarSink{
		dir:          dir,
		maxRows:      maxRows,
		rollInterval: rollInterval,
		pool:         pool,
		bldr:         array.NewRecordBuilder(pool, columnarSchema),
		openedAt:     time.Now(),
	}, nil
}

// Append appends one event to the in-memory batch, rolling to disk first if
// the current batch has exceeded its row or age limit.
func (s *ColumnarSink) Append(e Event) error {
	if s.rows >= s.maxRows || time.Since(s.openedAt) > s.rollInterval {
		if err := s.Roll(); err != nil {
			return err
		}
	}
	appendEventRow(s.bldr, e)
	s.rows++
	return nil
}

// Roll flushes the current in-memory batch to a new Parquet file and resets
// the builder. A no-op if nothing has been appended.
func (s *ColumnarSink) Roll() error {
	if s.rows == 0 {
		return nil
	}
	rec := s.bldr.NewRecord()
	defer rec.Release()

	path := filepath.Join(s.dir, fmt.Sprintf("echoes-%d.parquet", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("eventlog: create parquet file: %w", err)
	}
	defer f.Close()

	writer, err := pqarrow.NewFileWriter(columnarSchema, f, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("eventlog: new parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		return fmt.Errorf("eventlog: write parquet batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("eventlog: close parquet file: %w", err)
	}

	s.bldr.Release()
	s.bldr = array.NewRecordBuilder(s.pool, columnarSchema)
	s.rows = 0
	s.openedAt = time.Now()
	s.curPath = path
	return nil
}

// Close rolls any pending batch and releases resources.
func (s *ColumnarSink) Close() error {
	err := s.Roll()
	s.bldr.Release()
	return err
}

// Glob returns the file pattern query_columnar / DuckDB's read_parquet
// should scan to cover every rolled file under this sink.
func (s *ColumnarSink) Glob() string { return filepath.Join(s.dir, "*.parquet") }

func appendEventRow(b *array.RecordBuilder, e Event) {
	b.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(e.Timestamp.UnixMicro()))
	b.Field(1).(*array.StringBuilder).Append(e.SessionID)
	b.Field(2).(*array.StringBuilder).Append(e.TraceID)
	appendNullableString(b.Field(3).(*array.StringBuilder), e.ParentTraceID)
	appendNullableString(b.Field(4).(*array.StringBuilder), e.CallerID)
	b.Field(5).(*array.StringBuilder).Append(string(e.NodeKind))
	appendNullableString(b.Field(6).(*array.StringBuilder), e.Role)
	appendNullableString(b.Field(7).(*array.StringBuilder), e.CellName)
	appendNullableString(b.Field(8).(*array.StringBuilder), e.CascadeID)
	b.Field(9).(*array.Int32Builder).Append(int32(e.Depth))
	if e.CandidateIndex != nil {
		b.Field(10).(*array.Int32Builder).Append(int32(*e.CandidateIndex))
	} else {
		b.Field(10).(*array.Int32Builder).AppendNull()
	}
	b.Field(11).(*array.BooleanBuilder).Append(e.IsWinner)
	b.Field(12).(*array.Int32Builder).Append(int32(e.ReforgeStep))
	if e.DurationMS != nil {
		b.Field(13).(*array.Int64Builder).Append(*e.DurationMS)
	} else {
		b.Field(13).(*array.Int64Builder).AppendNull()
	}
	if e.TokensIn != nil {
		b.Field(14).(*array.Int32Builder).Append(int32(*e.TokensIn))
	} else {
		b.Field(14).(*array.Int32Builder).AppendNull()
	}
	if e.TokensOut != nil {
		b.Field(15).(*array.Int32Builder).Append(int32(*e.TokensOut))
	} else {
		b.Field(15).(*array.Int32Builder).AppendNull()
	}
	if e.Cost != nil {
		b.Field(16).(*array.Float64Builder).Append(*e.Cost)
	} else {
		b.Field(16).(*array.Float64Builder).AppendNull()
	}
	appendNullableJSON(b.Field(17).(*array.StringBuilder), e.Content)
	appendNullableJSON(b.Field(18).(*array.StringBuilder), e.ToolCalls)
	appendNullableJSON(b.Field(19).(*array.StringBuilder), e.Metadata)
	b.Field(20).(*array.BooleanBuilder).Append(e.HasImages)
}

func appendNullableString(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}

func appendNullableJSON(b *array.StringBuilder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	buf, err := json.Marshal(v)
	if err != nil || len(buf) == 0 {
		b.AppendNull()
		return
	}
	b.Append(string(buf))
}
