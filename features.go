package main

import (
	"fmt"
	"math/rand"
)

// MockFeatureWidth is the column count produced by MockExtractor
const MockFeatureWidth = 100

// SparseRow maps a column index to its value; absent columns are zero
type SparseRow map[int]float64

// FeatureMatrix is a row-major sparse matrix, one row per input text
type FeatureMatrix struct {
	Cols int
	Rows []SparseRow
}

func (m FeatureMatrix) NumRows() int { return len(m.Rows) }

// At returns the value at (i, j)
func (m FeatureMatrix) At(i, j int) float64 {
	return m.Rows[i][j]
}

// HStack concatenates matrices column-wise. All inputs must have the same row count.
func HStack(mats ...FeatureMatrix) (FeatureMatrix, error) {
	if len(mats) == 0 {
		return FeatureMatrix{}, nil
	}
	n := mats[0].NumRows()
	out := FeatureMatrix{Rows: make([]SparseRow, n)}
	for i := range out.Rows {
		out.Rows[i] = SparseRow{}
	}
	for _, m := range mats {
		if m.NumRows() != n {
			return FeatureMatrix{}, fmt.Errorf("hstack: row count mismatch (%d vs %d)", m.NumRows(), n)
		}
		for i, row := range m.Rows {
			for j, v := range row {
				out.Rows[i][out.Cols+j] = v
			}
		}
		out.Cols += m.Cols
	}
	return out, nil
}

// Extractor turns raw texts into a feature matrix with a fixed column count
type Extractor interface {
	Name() string
	Width() int
	Transform(texts []string) FeatureMatrix
}

// MockExtractor stands in for a missing vectorizer. Its output is random and
// only honors the shape contract expected by the classifier stage.
type MockExtractor struct {
	name string
}

func NewMockExtractor(name string) *MockExtractor {
	return &MockExtractor{name: name}
}

func (m *MockExtractor) Name() string { return m.name }

func (m *MockExtractor) Width() int { return MockFeatureWidth }

func (m *MockExtractor) Transform(texts []string) FeatureMatrix {
	out := FeatureMatrix{Cols: MockFeatureWidth, Rows: make([]SparseRow, len(texts))}
	for i := range texts {
		row := make(SparseRow, MockFeatureWidth)
		// Column positions can repeat; the last draw wins
		for k := 0; k < MockFeatureWidth; k++ {
			row[rand.Intn(MockFeatureWidth)] = rand.Float64()
		}
		out.Rows[i] = row
	}
	return out
}
