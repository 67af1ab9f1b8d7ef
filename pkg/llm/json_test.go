package llm

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected string
		wantErr  bool
	}{
		{"plain object", `{"confidence": 0.8}`, `{"confidence": 0.8}`, false},
		{"plain array", `[1, 2, 3]`, `[1, 2, 3]`, false},
		{"nested", `{"a": {"b": [1, {"c": 2}]}}`, `{"a": {"b": [1, {"c": 2}]}}`, false},
		{"think tags", "<think>\nthe delta looks {big}\n</think>\n{\"confidence\": 0.4}", `{"confidence": 0.4}`, false},
		{"markdown fence", "Here you go:\n```json\n{\"summary\": \"x\"}\n```\nThanks", `{"summary": "x"}`, false},
		{"brackets in strings", `{"summary": "a } tricky { value"}`, `{"summary": "a } tricky { value"}`, false},
		{"escaped quotes", `{"summary": "he said \"hi\" }"}`, `{"summary": "he said \"hi\" }"}`, false},
		{"array before object", `[{"a": 1}] trailing {"b": 2}`, `[{"a": 1}]`, false},
		{"no json", "I could not decide.", "", true},
		{"unbalanced", `{"confidence": 0.4`, "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	type analysis struct {
		Confidence float64 `json:"confidence"`
		Summary    string  `json:"summary"`
	}

	got, err := ParseJSONResponse[analysis]("<think>hmm</think>{\"confidence\": 0.91, \"summary\": \"new filing\"}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Confidence != 0.91 || got.Summary != "new filing" {
		t.Errorf("unexpected result: %+v", got)
	}

	_, err = ParseJSONResponse[analysis]("not json")
	if err == nil {
		t.Fatal("expected error")
	}
	if GetErrorType(err) != ErrorTypeResponse || !IsRetryable(err) {
		t.Errorf("expected retryable response error, got %v", err)
	}

	_, err = ParseJSONResponse[analysis](`{"confidence": "high"}`)
	if GetErrorType(err) != ErrorTypeResponse {
		t.Errorf("expected response error for schema mismatch, got %v", err)
	}
}
