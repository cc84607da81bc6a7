package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

type LogKind string

const (
	// step output
	LogKindData LogKind = "data"
	// step boundaries, written by the runner
	LogKindControl LogKind = "control"
)

const (
	StepStatusStart StepStatus = "start"
)

type LogLine struct {
	Kind       LogKind    `json:"kind"`
	Content    string     `json:"content"`
	Time       time.Time  `json:"time"`
	StepId     int        `json:"step_id"`
	Stream     string     `json:"stream,omitempty"`
	StepStatus StepStatus `json:"step_status,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, name string, status StepStatus) LogLine {
	return LogLine{
		Kind:       LogKindControl,
		Time:       time.Now(),
		Content:    name,
		StepId:     idx,
		StepStatus: status,
	}
}

// InstanceLogger writes one JSON object per line to the instance's log file.
// Secret values are replaced by *** before anything reaches the file.
type InstanceLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *json.Encoder
	mask    *strings.Replacer
}

func NewInstanceLogger(baseDir string, iid InstanceId, secrets []string) (*InstanceLogger, error) {
	path := LogFilePath(baseDir, iid)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &InstanceLogger{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
		mask:    NewMasker(secrets),
	}, nil
}

func LogFilePath(baseDir string, iid InstanceId) string {
	return filepath.Join(baseDir, iid.RunId.String(), fmt.Sprintf("%s.log", normalize(iid.Name)))
}

func OpenLogFile(baseDir string, iid InstanceId) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, iid))
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	return file, nil
}

// NewMasker replaces every non-empty secret with ***. Longer secrets are
// replaced first so a secret containing another is masked whole.
func NewMasker(secrets []string) *strings.Replacer {
	vals := slices.Clone(secrets)
	slices.SortFunc(vals, func(a, b string) int { return len(b) - len(a) })

	var pairs []string
	for _, v := range vals {
		if v != "" {
			pairs = append(pairs, v, "***")
		}
	}
	return strings.NewReplacer(pairs...)
}

func (l *InstanceLogger) Path() string {
	return l.path
}

func (l *InstanceLogger) Close() error {
	return l.file.Close()
}

func (l *InstanceLogger) encode(line LogLine) error {
	line.Content = l.mask.Replace(line.Content)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

// Control writes a step boundary marker.
func (l *InstanceLogger) Control(idx int, name string, status StepStatus) error {
	return l.encode(NewControlLogLine(idx, name, status))
}

// DataWriter returns a line-buffered writer for one output stream of one
// step. Close flushes a trailing partial line.
func (l *InstanceLogger) DataWriter(idx int, stream string) io.WriteCloser {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

type dataWriter struct {
	logger *InstanceLogger
	idx    int
	stream string
	buf    bytes.Buffer
}

func (w *dataWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if err := w.logger.encode(NewDataLogLine(w.idx, line, w.stream)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *dataWriter) Close() error {
	if w.buf.Len() == 0 {
		return nil
	}
	line := strings.TrimRight(w.buf.String(), "\r\n")
	w.buf.Reset()
	return w.logger.encode(NewDataLogLine(w.idx, line, w.stream))
}

// ReadLogLines decodes a log file, optionally keeping only one step.
func ReadLogLines(r io.Reader, step int) ([]LogLine, error) {
	var lines []LogLine
	dec := json.NewDecoder(r)
	for {
		var line LogLine
		if err := dec.Decode(&line); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if step < 0 || line.StepId == step {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
