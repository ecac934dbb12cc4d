package oplog

import "testing"

func TestDeriveResult(t *testing.T) {
	cases := []struct {
		name     string
		level    Level
		category Category
		message  string
		want     ResultTag
	}{
		{"error level", LevelError, CategoryGeneral, "nothing interesting", ResultFailed},
		{"fatal level", LevelFatal, CategoryGeneral, "nothing interesting", ResultFailed},
		{"failure word", LevelInfo, CategoryGeneral, "operation failed to save", ResultFailed},
		{"errors word", LevelInfo, CategoryGeneral, "3 errors during validation", ResultFailed},
		{"exception word", LevelInfo, CategoryGeneral, "exception while parsing", ResultFailed},
		{"success word", LevelInfo, CategoryGeneral, "episode generation success", ResultSuccess},
		{"completed word", LevelInfo, CategoryCommand, "revision completed", ResultSuccess},
		{"failure beats success", LevelInfo, CategoryGeneral, "completed with error", ResultFailed},
		{"word boundary", LevelInfo, CategoryGeneral, "successfully erroring is not a word match", ResultNone},
		{"neutral", LevelInfo, CategoryGeneral, "starting pipeline", ResultNone},
		{"case insensitive", LevelInfo, CategoryGeneral, "FAILED hard", ResultFailed},
		{"model prompt exempt", LevelInfo, CategoryModelPrompt, "please fix this error in the story", ResultNone},
		{"model completion exempt", LevelInfo, CategoryModelCompletion, "the hero failed his quest", ResultNone},
		{"model response exempt even on error level", LevelInfo, CategoryModelResponse, "error error error", ResultNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveResult(tc.level, tc.category, tc.message)
			if got != tc.want {
				t.Errorf("DeriveResult(%s, %s, %q) = %q, want %q",
					tc.level, tc.category, tc.message, got, tc.want)
			}
		})
	}
}

func TestDeriveResultErrorLevelBeatsContent(t *testing.T) {
	// Error level forces FAILED even when the message sounds successful.
	if got := DeriveResult(LevelError, CategoryGeneral, "completed with success"); got != ResultFailed {
		t.Errorf("expected FAILED for error level, got %q", got)
	}
}

func TestIsModelTraffic(t *testing.T) {
	for _, c := range []Category{CategoryModelPrompt, CategoryModelCompletion, CategoryModelRequest, CategoryModelResponse} {
		if !IsModelTraffic(c) {
			t.Errorf("%s should be model traffic", c)
		}
	}
	for _, c := range []Category{CategoryCommand, CategoryGeneral, CategoryAutoOps, CategoryTrigger} {
		if IsModelTraffic(c) {
			t.Errorf("%s should not be model traffic", c)
		}
	}
}
