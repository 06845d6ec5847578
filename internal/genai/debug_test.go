package genai

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// Test the debug logging functionality
func TestDebugLogging(t *testing.T) {
	tempDir := t.TempDir()

	client := newTestClient(&mockChatService{resp: completion("Test response")}, &recordingSleeper{})
	client.debugMode = true
	client.stateDir = tempDir

	if _, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings()); err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}

	debugDir := filepath.Join(tempDir, "debug")
	files, err := os.ReadDir(debugDir)
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}

	content, err := os.ReadFile(filepath.Join(debugDir, files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}

	requiredFields := []string{"timestamp", "method", "model", "params", "response"}
	for _, field := range requiredFields {
		if _, exists := logEntry[field]; !exists {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	if logEntry["method"] != "GetResponse" {
		t.Errorf("Expected method 'GetResponse', got %v", logEntry["method"])
	}
	if logEntry["model"] != "test-model" {
		t.Errorf("Expected model 'test-model', got %v", logEntry["model"])
	}
}

// Test that debug logging is disabled when debug mode is false
func TestDebugLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()

	client := newTestClient(&mockChatService{resp: completion("Test response")}, &recordingSleeper{})
	client.stateDir = tempDir

	if _, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings()); err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}
