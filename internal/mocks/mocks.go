// Package mocks holds testify mocks shared by package tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/logdiag/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Report Store Mock --

// MockReportStore mocks store.ReportStore.
type MockReportStore struct {
	mock.Mock
}

func (m *MockReportStore) Save(ctx context.Context, result *schemas.DiagnosisResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockReportStore) List(ctx context.Context, limit int) ([]schemas.ReportSummary, error) {
	args := m.Called(ctx, limit)
	summaries, _ := args.Get(0).([]schemas.ReportSummary)
	return summaries, args.Error(1)
}

func (m *MockReportStore) Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error) {
	args := m.Called(ctx, id)
	result, _ := args.Get(0).(*schemas.DiagnosisResult)
	return result, args.Error(1)
}

func (m *MockReportStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockReportStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
