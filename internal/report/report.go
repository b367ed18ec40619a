package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/nmxmxh/gpuav/internal/decoder"
)

// Report files are brotli-compressed JSON lines: one header line followed by
// one Diagnostic per line.
const FormatVersion = 1

// Header is the first line of every report.
type Header struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`
	Source  string    `json:"source,omitempty"`
}

// Writer appends diagnostics to a report. It implements sink.Sink.
type Writer struct {
	mu     sync.Mutex
	bw     *brotli.Writer
	enc    *json.Encoder
	closer io.Closer
	count  int
	closed bool
}

// NewWriter starts a report on w at the given brotli quality (0-11).
func NewWriter(w io.Writer, quality int, source string) (*Writer, error) {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		return nil, fmt.Errorf("brotli quality %d out of range", quality)
	}
	bw := brotli.NewWriterLevel(w, quality)
	rw := &Writer{bw: bw, enc: json.NewEncoder(bw)}
	if err := rw.enc.Encode(Header{Version: FormatVersion, Created: time.Now().UTC(), Source: source}); err != nil {
		return nil, fmt.Errorf("write report header: %w", err)
	}
	return rw, nil
}

// Create writes a report to path, truncating any existing file.
func Create(path string, quality int, source string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, quality, source)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func (w *Writer) Emit(diags ...decoder.Diagnostic) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("report already closed")
	}
	for _, d := range diags {
		if err := w.enc.Encode(d); err != nil {
			return fmt.Errorf("write diagnostic: %w", err)
		}
		w.count++
	}
	return nil
}

// Count returns how many diagnostics were written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes the compressed stream and closes the file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.bw.Close()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Read decodes a whole report.
func Read(r io.Reader) (Header, []decoder.Diagnostic, error) {
	sc := bufio.NewScanner(brotli.NewReader(r))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var hdr Header
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return hdr, nil, fmt.Errorf("read report header: %w", err)
		}
		return hdr, nil, fmt.Errorf("read report header: empty report")
	}
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		return hdr, nil, fmt.Errorf("parse report header: %w", err)
	}
	if hdr.Version != FormatVersion {
		return hdr, nil, fmt.Errorf("unsupported report version %d", hdr.Version)
	}

	var diags []decoder.Diagnostic
	for line := 2; sc.Scan(); line++ {
		var d decoder.Diagnostic
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			return hdr, diags, fmt.Errorf("parse report line %d: %w", line, err)
		}
		diags = append(diags, d)
	}
	if err := sc.Err(); err != nil {
		return hdr, diags, fmt.Errorf("read report: %w", err)
	}
	return hdr, diags, nil
}

// Open reads the report at path.
func Open(path string) (Header, []decoder.Diagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Read(f)
}
