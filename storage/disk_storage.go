package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"mit.edu/dsg/morseldb/common"
)

// RunFile is a spilled run: an arrow IPC file of records sharing one schema.
type RunFile struct {
	ID    uuid.UUID
	Path  string
	Rows  int64
	Bytes int64
}

// SpillManager creates and tracks the run files of one query under a root directory. Every run
// it hands out stays registered until removed, so Cleanup can delete whatever a failed or
// cancelled query left behind.
type SpillManager struct {
	rootPath string
	runs     *xsync.MapOf[uuid.UUID, *RunFile]
}

func NewSpillManager(rootPath string) *SpillManager {
	return &SpillManager{
		rootPath: rootPath,
		runs:     xsync.NewMapOf[uuid.UUID, *RunFile](),
	}
}

// Create opens a new run file for records of the given schema.
func (m *SpillManager) Create(schema *arrow.Schema) (*RunWriter, error) {
	id := uuid.New()
	path := filepath.Join(m.rootPath, fmt.Sprintf("morseldb-spill-%s.arrow", id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "creating spill file %s", path)
	}
	run := &RunFile{ID: id, Path: path}
	m.runs.Store(id, run)
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(common.Allocator))
	if err != nil {
		_ = f.Close()
		_ = m.Remove(run)
		return nil, errors.Wrapf(err, "starting spill file %s", path)
	}
	return &RunWriter{m: m, run: run, file: f, w: w}, nil
}

// RunWriter appends records to a run file.
type RunWriter struct {
	m    *SpillManager
	run  *RunFile
	file *os.File
	w    *ipc.FileWriter
}

func (w *RunWriter) Write(rec arrow.Record) error {
	if err := w.w.Write(rec); err != nil {
		return errors.Wrapf(err, "writing spill file %s", w.run.Path)
	}
	w.run.Rows += rec.NumRows()
	return nil
}

// Finish completes the file and returns the run it describes.
func (w *RunWriter) Finish() (*RunFile, error) {
	if err := w.w.Close(); err != nil {
		_ = w.file.Close()
		return nil, errors.Wrapf(err, "finishing spill file %s", w.run.Path)
	}
	if stat, err := w.file.Stat(); err == nil {
		w.run.Bytes = stat.Size()
	}
	if err := w.file.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing spill file %s", w.run.Path)
	}
	return w.run, nil
}

// Abort closes and deletes an unfinished run.
func (w *RunWriter) Abort() {
	_ = w.w.Close()
	_ = w.file.Close()
	_ = w.m.Remove(w.run)
}

// Open reads a finished run back.
func (m *SpillManager) Open(run *RunFile) (*RunReader, error) {
	f, err := os.Open(run.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening spill file %s", run.Path)
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(common.Allocator))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "reading spill file %s", run.Path)
	}
	return &RunReader{file: f, r: r, path: run.Path}, nil
}

// RunReader iterates the records of a run in the order they were written.
type RunReader struct {
	file *os.File
	r    *ipc.FileReader
	path string
	next int
}

// Next returns the next record, or io.EOF after the last one.
func (r *RunReader) Next() (arrow.Record, error) {
	if r.next >= r.r.NumRecords() {
		return nil, io.EOF
	}
	rec, err := r.r.RecordAt(r.next)
	if err != nil {
		return nil, errors.Wrapf(err, "reading record %d of spill file %s", r.next, r.path)
	}
	r.next++
	return rec, nil
}

func (r *RunReader) Close() error {
	err := r.r.Close()
	return errors.CombineErrors(err, r.file.Close())
}

// Remove deletes a run file and forgets it.
func (m *SpillManager) Remove(run *RunFile) error {
	if _, loaded := m.runs.LoadAndDelete(run.ID); !loaded {
		return nil
	}
	if err := os.Remove(run.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing spill file %s", run.Path)
	}
	return nil
}

// Live is the number of run files that have not been removed.
func (m *SpillManager) Live() int {
	return m.runs.Size()
}

// Cleanup removes every run file still registered.
func (m *SpillManager) Cleanup() error {
	var g errgroup.Group
	g.SetLimit(8)
	m.runs.Range(func(_ uuid.UUID, run *RunFile) bool {
		g.Go(func() error { return m.Remove(run) })
		return true
	})
	return g.Wait()
}
