package catalog

import (
	"github.com/apache/arrow-go/v18/arrow"
	"mit.edu/dsg/morseldb/planner"
)

// ScanHints are pushed down to a source when a scan is compiled. A source may ignore any of them;
// the scan re-applies the projection, predicate and limit to whatever the source returns.
type ScanHints struct {
	// Columns are the source columns the query reads, in the order the scan wants them.
	Columns []string
	// Arena holds Predicate.
	Arena *planner.Arena
	// Predicate filters rows, or is planner.NoExpr.
	Predicate planner.ExprID
	// Limit bounds the number of rows after the predicate, or is planner.NoLimit.
	Limit int64
	// MorselSize is the preferred number of rows per record.
	MorselSize int
}

// Source is an external input of a query. Open splits the source into independent streams that
// are read concurrently; their concatenation in order is the source's row order.
type Source interface {
	planner.DataSource
	Open(hints ScanHints) ([]MorselStream, error)
}

// MorselStream yields the records of one partition of a source.
type MorselStream interface {
	// Next returns the next record, io.EOF after the last one, or common.ErrNotReady when the
	// data is not available yet. Any other error fails the query as an IOError.
	Next() (arrow.Record, error)
	Close() error
}

// ReadyNotifier is implemented by streams that can return common.ErrNotReady. The callback is
// invoked, from any goroutine, once Next may make progress again.
type ReadyNotifier interface {
	OnReady(fn func())
}

// Sink is an external output of a query. Accept is never called concurrently; Finish is called
// once after the last record of a successful query.
type Sink interface {
	planner.DataSink
	Accept(rec arrow.Record) error
	Finish() error
}
