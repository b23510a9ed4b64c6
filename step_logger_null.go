package stategraph

import "context"

// NullStepLogger discards step records.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, record *StepRecord) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, executionID string) ([]*StepRecord, error) {
	return []*StepRecord{}, nil
}
