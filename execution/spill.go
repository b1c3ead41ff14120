package execution

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/storage"
)

// spillCodec converts batches of one column layout to and from the records of a run file.
// Categorical columns are stored as strings. With ords set, every row also carries the position
// it had in its input stream.
type spillCodec struct {
	types  []common.DataType
	ords   bool
	schema *arrow.Schema
}

func newSpillCodec(types []common.DataType, ords bool) *spillCodec {
	fields := make([]arrow.Field, 0, len(types)+2)
	for i, t := range types {
		at := t.ArrowType()
		if t.ID == common.Categorical {
			at = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{Name: fmt.Sprintf("c%d", i), Type: at, Nullable: true})
	}
	if ords {
		fields = append(fields,
			arrow.Field{Name: "__seq", Type: arrow.PrimitiveTypes.Uint64},
			arrow.Field{Name: "__row", Type: arrow.PrimitiveTypes.Uint32})
	}
	return &spillCodec{types: types, ords: ords, schema: arrow.NewSchema(fields, nil)}
}

func (c *spillCodec) encode(cols []arrow.Array, rows int, ords []ord) arrow.Record {
	out := make([]arrow.Array, 0, len(c.schema.Fields()))
	for i, col := range cols {
		if c.types[i].ID == common.Categorical {
			col = common.ArrayFromValues(common.StringType, common.ColumnValues(col))
		}
		out = append(out, col)
	}
	if c.ords {
		sb := array.NewUint64Builder(common.Allocator)
		rb := array.NewUint32Builder(common.Allocator)
		defer sb.Release()
		defer rb.Release()
		sb.Reserve(rows)
		rb.Reserve(rows)
		for _, o := range ords {
			sb.UnsafeAppend(o.seq)
			rb.UnsafeAppend(o.row)
		}
		out = append(out, sb.NewArray(), rb.NewArray())
	}
	return array.NewRecord(c.schema, out, int64(rows))
}

func (c *spillCodec) decode(rec arrow.Record) ([]arrow.Array, int, []ord) {
	cols := make([]arrow.Array, len(c.types))
	for i, t := range c.types {
		col := rec.Column(i)
		if t.ID == common.Categorical {
			col = common.ArrayFromValues(common.CategoricalType, common.ColumnValues(col))
		}
		cols[i] = col
	}
	rows := int(rec.NumRows())
	if !c.ords {
		return cols, rows, nil
	}
	seqs := rec.Column(len(c.types)).(*array.Uint64).Uint64Values()
	idx := rec.Column(len(c.types) + 1).(*array.Uint32).Uint32Values()
	ords := make([]ord, rows)
	for i := range ords {
		ords[i] = ord{seq: seqs[i], row: idx[i]}
	}
	return cols, rows, ords
}

// spillRun appends batches to one run file. It is not safe for concurrent use.
type spillRun struct {
	codec  *spillCodec
	writer *storage.RunWriter
	file   *storage.RunFile
	rows   int64
	bytes  int64
}

func createSpillRun(spill *storage.SpillManager, codec *spillCodec) (*spillRun, error) {
	if spill == nil {
		return nil, common.NewResourceError("memory budget exceeded and spilling is not configured")
	}
	w, err := spill.Create(codec.schema)
	if err != nil {
		return nil, common.WrapIOError(err, "creating spill run")
	}
	return &spillRun{codec: codec, writer: w}, nil
}

func (r *spillRun) write(cols []arrow.Array, rows int, ords []ord) error {
	if rows == 0 {
		return nil
	}
	for _, c := range cols {
		r.bytes += common.ColumnBytes(c)
	}
	r.rows += int64(rows)
	if err := r.writer.Write(r.codec.encode(cols, rows, ords)); err != nil {
		return common.WrapIOError(err, "writing spill run")
	}
	return nil
}

// finish seals the run; the run can be read afterwards.
func (r *spillRun) finish() error {
	if r.file != nil {
		return nil
	}
	f, err := r.writer.Finish()
	if err != nil {
		return common.WrapIOError(err, "finishing spill run")
	}
	r.file = f
	return nil
}

// read calls fn for every batch of the finished run, then removes the file.
func (r *spillRun) read(spill *storage.SpillManager, fn func(cols []arrow.Array, rows int, ords []ord) error) error {
	if err := r.finish(); err != nil {
		return err
	}
	rd, err := spill.Open(r.file)
	if err != nil {
		return common.WrapIOError(err, "opening spill run")
	}
	defer func() { _ = rd.Close() }()
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return common.WrapIOError(err, "reading spill run")
		}
		cols, rows, ords := r.codec.decode(rec)
		if err := fn(cols, rows, ords); err != nil {
			return err
		}
	}
	if err := spill.Remove(r.file); err != nil {
		return common.WrapIOError(err, "removing spill run")
	}
	return nil
}

func logSpill(ctx *ExecutorContext, op string, bytes int64, rows int64) {
	ctx.Metrics.Spilled(op, bytes)
	ctx.logger().Info("spilled operator state",
		zap.String("operator", op),
		zap.String("bytes", humanize.IBytes(uint64(bytes))),
		zap.Int64("rows", rows))
}

// abort drops a run that will never be read.
func (r *spillRun) abort() {
	if r.file == nil {
		r.writer.Abort()
		r.file = &storage.RunFile{}
	}
}

// runCursor reads a finished run one batch at a time. The file is removed once the last batch
// was read.
type runCursor struct {
	run   *spillRun
	spill *storage.SpillManager
	rd    *storage.RunReader
}

func (r *spillRun) open(spill *storage.SpillManager) (*runCursor, error) {
	if err := r.finish(); err != nil {
		return nil, err
	}
	rd, err := spill.Open(r.file)
	if err != nil {
		return nil, common.WrapIOError(err, "opening spill run")
	}
	return &runCursor{run: r, spill: spill, rd: rd}, nil
}

func (c *runCursor) next() ([]arrow.Array, int, []ord, bool, error) {
	rec, err := c.rd.Next()
	if err == io.EOF {
		if err := c.close(); err != nil {
			return nil, 0, nil, false, err
		}
		if err := c.spill.Remove(c.run.file); err != nil {
			return nil, 0, nil, false, common.WrapIOError(err, "removing spill run")
		}
		return nil, 0, nil, false, nil
	}
	if err != nil {
		return nil, 0, nil, false, common.WrapIOError(err, "reading spill run")
	}
	cols, rows, ords := c.run.codec.decode(rec)
	return cols, rows, ords, true, nil
}

func (c *runCursor) close() error {
	if c.rd == nil {
		return nil
	}
	err := c.rd.Close()
	c.rd = nil
	if err != nil {
		return common.WrapIOError(err, "closing spill run")
	}
	return nil
}
