package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/connectorforge/forge/pkg/state"
)

// Result parsing is tolerant by design: the preferred path is a
// machine-readable file the agent wrote into the working directory, the
// fallback is JSON embedded in the session output, the final fallback is a
// failure record preserving the raw output.

// extractJSON returns the first balanced JSON object embedded in text.
func extractJSON(text string) (json.RawMessage, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := json.RawMessage(text[start : i+1])
					if json.Valid(candidate) {
						return candidate, true
					}
					i = len(text) // invalid; try the next opening brace
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// parseTestResults resolves tester output. Preference order: the results
// file in the working directory, JSON in the session output, a pytest-like
// summary line, then a failure record carrying the raw output.
func parseTestResults(workDir, output string) *state.TestResults {
	if workDir != "" {
		if data, err := os.ReadFile(filepath.Join(workDir, "tests", "test_results.json")); err == nil {
			var tr state.TestResults
			if err := json.Unmarshal(data, &tr); err == nil {
				return &tr
			}
		}
	}

	if raw, ok := extractJSON(output); ok {
		var tr state.TestResults
		if err := json.Unmarshal(raw, &tr); err == nil && tr.TestsTotal > 0 {
			return &tr
		}
	}

	if tr, ok := parsePytestSummary(output); ok {
		return tr
	}

	return &state.TestResults{
		Status:  "error",
		Passed:  false,
		Errors:  []string{"could not parse test results"},
		Details: output,
	}
}

var (
	passedCountRe = regexp.MustCompile(`(\d+) passed`)
	failedCountRe = regexp.MustCompile(`(\d+) failed`)
)

// parsePytestSummary reads counts from a "N passed, M failed" style line.
func parsePytestSummary(output string) (*state.TestResults, bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "passed") && !strings.Contains(line, "failed") {
			continue
		}
		var passed, failed int
		if m := passedCountRe.FindStringSubmatch(line); m != nil {
			passed, _ = strconv.Atoi(m[1])
		}
		if m := failedCountRe.FindStringSubmatch(line); m != nil {
			failed, _ = strconv.Atoi(m[1])
		}
		if passed == 0 && failed == 0 {
			continue
		}
		return &state.TestResults{
			Status:      "ok",
			Passed:      failed == 0,
			TestsPassed: passed,
			TestsFailed: failed,
			TestsTotal:  passed + failed,
			Details:     line,
		}, true
	}
	return nil, false
}

// fileManifest is the generator's machine-readable output shape.
type fileManifest struct {
	Files  map[string]string `json:"files"`
	Action string            `json:"action"`
	Reason string            `json:"reason"`
}

// parseGeneratedCode resolves generator output: a JSON manifest in the
// session output, falling back to reading source files from the working
// directory. Paths are validated against the guard before acceptance.
func parseGeneratedCode(guard *Guard, workDir, output string) (*state.GeneratedCode, error) {
	if raw, ok := extractJSON(output); ok {
		var manifest fileManifest
		if err := json.Unmarshal(raw, &manifest); err == nil && len(manifest.Files) > 0 {
			files := make(map[string]string, len(manifest.Files))
			for path, content := range manifest.Files {
				if err := guard.CheckWritePath(path); err != nil {
					return nil, err
				}
				files[path] = content
			}
			return &state.GeneratedCode{Files: files, Action: manifest.Action, Reason: manifest.Reason}, nil
		}
	}

	files, err := readSourceFiles(workDir)
	if err != nil {
		return nil, err
	}
	return &state.GeneratedCode{Files: files, Action: "generated"}, nil
}

var sourceExtensions = map[string]bool{
	".py": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true,
}

// readSourceFiles loads connector source from the working directory,
// skipping fixtures and caches.
func readSourceFiles(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == "__pycache__" || name == ".git" || name == "fixtures" {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(path)] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// verdict is the shared shape of reviewer-style agent outputs.
type verdict struct {
	Decision        string   `json:"decision"`
	Feedback        []string `json:"feedback"`
	DegradedStreams []string `json:"degraded_streams"`
	ContextGaps     []string `json:"context_gaps"`
}

// decisionTokens maps a decision to the uppercase marker agents emit in
// free-form output.
var decisionTokens = map[string]string{
	"invalid":        "INVALID",
	"valid_fail":     "VALID_FAIL",
	"valid_pass":     "VALID_PASS",
	"approve":        "APPROVE",
	"reject_code":    "REJECT:CODE",
	"reject_context": "REJECT:CONTEXT",
}

// parseVerdict reads a decision object from session output, falling back
// to keyword scanning over the declared candidates in order.
func parseVerdict(output string, candidates []string) (verdict, bool) {
	if raw, ok := extractJSON(output); ok {
		var v verdict
		if err := json.Unmarshal(raw, &v); err == nil && v.Decision != "" {
			v.Decision = strings.ToLower(v.Decision)
			return v, true
		}
	}

	lower := strings.ToLower(output)
	for _, candidate := range candidates {
		if strings.Contains(output, decisionTokens[candidate]) || strings.Contains(lower, candidate) {
			return verdict{Decision: candidate}, true
		}
	}
	return verdict{}, false
}

// parseTaggedFeedback extracts feedback lines carrying any of the given
// tags (e.g. "TEST_ISSUE:", "FIX:").
func parseTaggedFeedback(output string, tags []string) []string {
	var feedback []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		for _, tag := range tags {
			if strings.HasPrefix(line, tag) {
				feedback = append(feedback, line)
				break
			}
		}
	}
	return feedback
}

var urlRe = regexp.MustCompile(`https?://\S+`)

// parsePRURL resolves publisher output to a branch URL.
func parsePRURL(output string) (string, bool) {
	if raw, ok := extractJSON(output); ok {
		var v struct {
			PRURL string `json:"pr_url"`
		}
		if err := json.Unmarshal(raw, &v); err == nil && v.PRURL != "" {
			return v.PRURL, true
		}
	}
	if m := urlRe.FindString(output); m != "" {
		return strings.TrimRight(m, `")].,`), true
	}
	return "", false
}
