package models

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
)

type WorkflowLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewWorkflowLogger(baseDir string, wid WorkflowId) (*WorkflowLogger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, wid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &WorkflowLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// LogFilePath is where the JSONL log of a workflow lives. The name is
// resolved inside baseDir, so a symlink there cannot point it elsewhere.
func LogFilePath(baseDir string, workflowID WorkflowId) string {
	name := workflowID.String() + ".log"
	if p, err := securejoin.SecureJoin(baseDir, name); err == nil {
		return p
	}
	return filepath.Join(baseDir, name)
}

func OpenLogFile(baseDir string, workflowID WorkflowId) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, workflowID))
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	return file, nil
}

// ReadLogLines decodes a whole log file.
func ReadLogLines(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var l LogLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}

func (l *WorkflowLogger) Close() error {
	return l.file.Close()
}

func (l *WorkflowLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

// DataWriter returns a writer that records every complete line written to
// it as a data log line. Close flushes a trailing partial line.
func (l *WorkflowLogger) DataWriter(idx int, stream string) io.WriteCloser {
	if l == nil {
		return nopWriteCloser{io.Discard}
	}
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *WorkflowLogger) ControlWriter(idx int, step Step, stepStatus StepStatus) io.Writer {
	if l == nil {
		return io.Discard
	}
	return &controlWriter{
		logger:     l,
		idx:        idx,
		step:       step,
		stepStatus: stepStatus,
	}
}

// WriteResult records the end of a step along with its outcome.
func (l *WorkflowLogger) WriteResult(step Step, res StepResult) error {
	if l == nil {
		return nil
	}
	return l.encode(NewResultLogLine(step, res))
}

// a nil *WorkflowLogger discards everything
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type dataWriter struct {
	mu     sync.Mutex
	logger *WorkflowLogger
	idx    int
	stream string
	buf    bytes.Buffer
}

func (w *dataWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *dataWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.emit(line)
}

func (w *dataWriter) emit(line string) error {
	line = strings.TrimRight(line, "\r\n")
	return w.logger.encode(NewDataLogLine(w.idx, line, w.stream))
}

type controlWriter struct {
	logger     *WorkflowLogger
	idx        int
	step       Step
	stepStatus StepStatus
}

func (w *controlWriter) Write(_ []byte) (int, error) {
	entry := NewControlLogLine(w.idx, w.step, w.stepStatus)
	if err := w.logger.encode(entry); err != nil {
		return 0, err
	}
	return len(w.step.Name()), nil
}
