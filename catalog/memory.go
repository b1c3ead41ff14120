package catalog

import (
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/planner"
)

// MemorySource serves records held in memory. Each partition becomes one stream.
type MemorySource struct {
	name       string
	schema     *common.Schema
	partitions [][]arrow.Record
	rows       int64

	mu    sync.Mutex
	hints []ScanHints
}

// NewMemorySource creates a source over partitions of records that all have the given schema.
func NewMemorySource(name string, schema *common.Schema, partitions ...[]arrow.Record) (*MemorySource, error) {
	as := schema.ArrowSchema()
	var rows int64
	for p, part := range partitions {
		for i, rec := range part {
			if !rec.Schema().Equal(as) {
				return nil, errors.Newf("record %d of partition %d of %q has schema %s, want %s",
					i, p, name, rec.Schema(), as)
			}
			rows += rec.NumRows()
		}
	}
	return &MemorySource{name: name, schema: schema, partitions: partitions, rows: rows}, nil
}

// NewTable is NewMemorySource over a single partition built from rows of Go values.
func NewTable(name string, schema *common.Schema, rows ...[]any) (*MemorySource, error) {
	rec, err := NewRecord(schema, rows...)
	if err != nil {
		return nil, err
	}
	return NewMemorySource(name, schema, []arrow.Record{rec})
}

func (s *MemorySource) Name() string {
	return s.name
}

func (s *MemorySource) Schema() *common.Schema {
	return s.schema
}

func (s *MemorySource) EstimatedRows() int64 {
	return s.rows
}

// Hints returns the hints of every Open call so far.
func (s *MemorySource) Hints() []ScanHints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanHints(nil), s.hints...)
}

// Open honors the column and morsel size hints, and the limit when no predicate is pushed.
func (s *MemorySource) Open(h ScanHints) ([]MorselStream, error) {
	s.mu.Lock()
	s.hints = append(s.hints, h)
	s.mu.Unlock()

	cols := make([]int, 0, len(h.Columns))
	for _, c := range h.Columns {
		i, ok := s.schema.Index(c)
		if !ok {
			return nil, errors.Newf("source %q has no column %q", s.name, c)
		}
		cols = append(cols, i)
	}
	if len(h.Columns) == 0 {
		cols = nil
	}
	limit := int64(planner.NoLimit)
	if h.Predicate == planner.NoExpr {
		limit = h.Limit
	}
	streams := make([]MorselStream, len(s.partitions))
	for p, part := range s.partitions {
		streams[p] = &memoryStream{records: part, cols: cols, limit: limit, morselSize: int64(h.MorselSize)}
	}
	return streams, nil
}

type memoryStream struct {
	records    []arrow.Record
	cols       []int
	limit      int64
	morselSize int64

	rec    int
	offset int64
	served int64
}

func (m *memoryStream) Next() (arrow.Record, error) {
	for m.rec < len(m.records) {
		if m.limit != planner.NoLimit && m.served >= m.limit {
			return nil, io.EOF
		}
		rec := m.records[m.rec]
		if m.offset >= rec.NumRows() {
			m.rec++
			m.offset = 0
			continue
		}
		end := rec.NumRows()
		if m.morselSize > 0 && end-m.offset > m.morselSize {
			end = m.offset + m.morselSize
		}
		if m.limit != planner.NoLimit && end-m.offset > m.limit-m.served {
			end = m.offset + m.limit - m.served
		}
		out := rec
		if m.offset != 0 || end != rec.NumRows() {
			out = rec.NewSlice(m.offset, end)
		}
		m.served += end - m.offset
		m.offset = end
		return project(out, m.cols), nil
	}
	return nil, io.EOF
}

func (m *memoryStream) Close() error {
	return nil
}

func project(rec arrow.Record, cols []int) arrow.Record {
	if cols == nil {
		return rec
	}
	fields := make([]arrow.Field, len(cols))
	arrs := make([]arrow.Array, len(cols))
	for i, c := range cols {
		fields[i] = rec.Schema().Field(c)
		arrs[i] = rec.Column(c)
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrs, rec.NumRows())
}

// NewRecord builds a record from rows of Go values accepted by common.ValueOf. Integer values are
// stored into any integer or temporal column; strings into string and categorical columns.
func NewRecord(schema *common.Schema, rows ...[]any) (arrow.Record, error) {
	cols := make([]arrow.Array, schema.Len())
	for c, f := range schema.Fields() {
		vals := make([]common.Value, len(rows))
		for r, row := range rows {
			if len(row) != schema.Len() {
				return nil, errors.Newf("row %d has %d values, schema %s has %d columns", r, len(row), schema, schema.Len())
			}
			v, err := common.ValueOf(row[c])
			if err != nil {
				return nil, err
			}
			if v.IsNull() && !f.Nullable {
				return nil, errors.Newf("row %d: column %q is not nullable", r, f.Name)
			}
			vals[r] = v
		}
		cols[c] = common.ArrayFromValues(f.Type, vals)
	}
	return array.NewRecord(schema.ArrowSchema(), cols, int64(len(rows))), nil
}

// MustRecord is NewRecord for tests and examples with literal rows.
func MustRecord(schema *common.Schema, rows ...[]any) arrow.Record {
	rec, err := NewRecord(schema, rows...)
	common.Assert(err == nil, "%v", err)
	return rec
}

// StreamSource is a single-partition source fed while the query runs. Its stream reports
// common.ErrNotReady while no record is queued and the feed is still open.
type StreamSource struct {
	name   string
	schema *common.Schema

	mu     sync.Mutex
	queue  []arrow.Record
	closed bool
	err    error
	notify func()
	opened bool
}

func NewStreamSource(name string, schema *common.Schema) *StreamSource {
	return &StreamSource{name: name, schema: schema}
}

func (s *StreamSource) Name() string {
	return s.name
}

func (s *StreamSource) Schema() *common.Schema {
	return s.schema
}

// Push queues a record for the reader.
func (s *StreamSource) Push(rec arrow.Record) error {
	if !rec.Schema().Equal(s.schema.ArrowSchema()) {
		return errors.Newf("record schema %s does not match %s", rec.Schema(), s.schema)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Newf("stream source %q is closed", s.name)
	}
	s.queue = append(s.queue, rec)
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// CloseFeed ends the stream once the queued records are read.
func (s *StreamSource) CloseFeed() {
	s.finish(nil)
}

// Fail makes the reader observe err after the queued records.
func (s *StreamSource) Fail(err error) {
	s.finish(err)
}

func (s *StreamSource) finish(err error) {
	s.mu.Lock()
	s.closed = true
	s.err = err
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Open returns the single stream. A stream source can be read by one query only.
func (s *StreamSource) Open(h ScanHints) ([]MorselStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, errors.Newf("stream source %q was already opened", s.name)
	}
	s.opened = true
	cols := make([]int, 0, len(h.Columns))
	for _, c := range h.Columns {
		i, ok := s.schema.Index(c)
		if !ok {
			return nil, errors.Newf("source %q has no column %q", s.name, c)
		}
		cols = append(cols, i)
	}
	if len(h.Columns) == 0 {
		cols = nil
	}
	return []MorselStream{&feedStream{src: s, cols: cols}}, nil
}

type feedStream struct {
	src  *StreamSource
	cols []int
}

func (f *feedStream) Next() (arrow.Record, error) {
	s := f.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		rec := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return project(rec, f.cols), nil
	}
	switch {
	case s.err != nil:
		return nil, s.err
	case s.closed:
		return nil, io.EOF
	}
	return nil, common.ErrNotReady
}

func (f *feedStream) OnReady(fn func()) {
	f.src.mu.Lock()
	f.src.notify = fn
	f.src.mu.Unlock()
}

func (f *feedStream) Close() error {
	return nil
}

// MemorySink collects the records of a query.
type MemorySink struct {
	name string

	mu       sync.Mutex
	records  []arrow.Record
	finished bool
	failOn   int
	failErr  error
}

func NewMemorySink(name string) *MemorySink {
	return &MemorySink{name: name, failOn: -1}
}

// FailAfter makes the n-th Accept call (counting from zero) return err.
func (s *MemorySink) FailAfter(n int, err error) *MemorySink {
	s.failOn, s.failErr = n, err
	return s
}

func (s *MemorySink) Name() string {
	return s.name
}

func (s *MemorySink) Accept(rec arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == len(s.records) {
		return s.failErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *MemorySink) Records() []arrow.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]arrow.Record(nil), s.records...)
}

// Rows is the number of rows accepted.
func (s *MemorySink) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		n += r.NumRows()
	}
	return n
}

func (s *MemorySink) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
