// Package mockdetector is an in-memory detector implementation used by the
// package tests and the `loopnode detector` demo path.
package mockdetector

import (
	"context"
	"sync"

	"github.com/zauberzeug/loopnode/types"
)

// MockDetector implements detector.Detector with synthesized detections.
type MockDetector struct {
	mu   sync.Mutex
	info *types.ModelInformation
}

// New returns a mock detector without a loaded model.
func New() *MockDetector {
	return &MockDetector{}
}

func (m *MockDetector) ModelFormat() string { return "mocked" }

func (m *MockDetector) LoadModel(_ string, info *types.ModelInformation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	return nil
}

// LoadedModel returns the information of the active model, or nil.
func (m *MockDetector) LoadedModel() *types.ModelInformation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Detect emits one box per category of the loaded model.
func (m *MockDetector) Detect(_ context.Context, _ []byte) (types.Detections, error) {
	m.mu.Lock()
	info := m.info
	m.mu.Unlock()

	d := types.Detections{}
	if info == nil {
		return d, nil
	}
	for _, c := range info.Categories {
		d.BoxDetections = append(d.BoxDetections, types.BoxDetection{
			CategoryName: c.Name,
			CategoryID:   c.ID,
			X:            1, Y: 1, Width: 10, Height: 10,
			ModelName:  info.ID,
			Confidence: 0.99,
		})
	}
	return d, nil
}
