package main

import (
	"testing"

	"golang.org/x/tools/go/analysis"
)

func TestSkipAnalyzers(t *testing.T) {
	all := []*analysis.Analyzer{
		{Name: "assign"},
		{Name: "copylock"},
		{Name: "osexitmain"},
	}

	tests := []struct {
		name     string
		skip     string
		expected []string
	}{
		{
			name:     "empty skip keeps all",
			skip:     "",
			expected: []string{"assign", "copylock", "osexitmain"},
		},
		{
			name:     "single name",
			skip:     "copylock",
			expected: []string{"assign", "osexitmain"},
		},
		{
			name:     "list with spaces",
			skip:     "assign, osexitmain",
			expected: []string{"copylock"},
		},
		{
			name:     "unknown names ignored",
			skip:     "nosuch,,  ",
			expected: []string{"assign", "copylock", "osexitmain"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := skipAnalyzers(all, tt.skip)
			if len(kept) != len(tt.expected) {
				t.Fatalf("kept %d analyzers, want %d", len(kept), len(tt.expected))
			}
			for i, a := range kept {
				if a.Name != tt.expected[i] {
					t.Errorf("kept[%d] = %s, want %s", i, a.Name, tt.expected[i])
				}
			}
		})
	}
}
