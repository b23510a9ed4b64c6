package stategraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStepLogger is an implementation of StepLogger that logs to a file.
// A file is created per execution. The file is formatted as newline-delimited JSON.
type FileStepLogger struct {
	directory string
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) executionStepLogPath(executionID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (l *FileStepLogger) GetStepHistory(ctx context.Context, executionID string) ([]*StepRecord, error) {
	filePath := l.executionStepLogPath(executionID)
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		// An execution that has not completed a step yet has no file.
		return []*StepRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]*StepRecord, 0)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var record StepRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, nil
}

func (l *FileStepLogger) LogStep(ctx context.Context, record *StepRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	filePath := l.executionStepLogPath(record.ExecutionID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
