package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the report log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Pipeline  string         `json:"pipeline,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Change    string         `json:"change,omitempty"`
	Result    string         `json:"result,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReportLog appends item lifecycle events to a JSONL file and rotates it
// into an archive directory once it grows past maxSize.
type ReportLog struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

func NewReportLog(logPath string, maxSize int64) (*ReportLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create report log directory: %w", err)
	}
	l := &ReportLog{logPath: logPath, maxSize: maxSize}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ReportLog) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open report log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat report log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Attach subscribes the log to every item event on bus. The returned
// function detaches it again.
func (l *ReportLog) Attach(bus *Bus) func() {
	var unsubs []func()
	for _, t := range ItemEventTypes {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) {
			_ = l.Record(e)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Record writes one bus event. Well-known keys are lifted out of the event
// data into their own fields.
func (l *ReportLog) Record(e Event) error {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   make(map[string]any),
	}
	for k, v := range e.Data {
		s, isString := v.(string)
		switch {
		case k == "pipeline" && isString:
			entry.Pipeline = s
		case k == "item_id" && isString:
			entry.ItemID = s
		case k == "change" && isString:
			entry.Change = s
		case k == "result" && isString:
			entry.Result = s
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return l.WriteEntry(&entry)
}

func (l *ReportLog) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate report log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *ReportLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close report log: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive report log: %w", err)
	}
	return l.openLogFile()
}

// ReadEntries decodes every well-formed entry of a report log file.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open report log: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	dec := json.NewDecoder(file)
	for dec.More() {
		var entry LogEntry
		if err := dec.Decode(&entry); err != nil {
			return entries, fmt.Errorf("decode report log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *ReportLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *ReportLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
