package external

import "testing"

func TestToolHealthUnknownBinaryIsFalse(t *testing.T) {
	if ToolHealth("definitely-not-a-real-binary-xyz") {
		t.Fatal("expected ToolHealth to report false for a nonexistent binary")
	}
}

func TestCheckRequiredToolsReportsMissingTool(t *testing.T) {
	err := CheckRequiredTools("definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("expected an error for a missing required tool")
	}
}
