// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package traceback turns a failed interpreter invocation's captured
// stderr into an actionable Recommendation: sync, add a dependency, or
// rebuild a native extension (spec.md §4.13).
package traceback

import (
	"strconv"
	"strings"
)

const header = "Traceback (most recent call last):"

// Frame is one `File "...", line N, in func` entry.
type Frame struct {
	File     string
	Line     int
	Function string
	Code     string
}

// Recommendation is the actionable hint Analyze derives from a traceback,
// when one applies.
type Recommendation struct {
	Reason     string // "missing_import" or "distribution_missing"
	Hint       string
	Command    string
	Confidence string // "high" or "medium"
}

// Report is the parsed traceback plus, where applicable, a Recommendation.
type Report struct {
	Frames         []Frame
	ErrorType      string
	ErrorMessage   string
	Recommendation *Recommendation
}

// Context supplies the caller-known facts Analyze needs to tell a declared
// dependency (suggest `px sync`) from an undeclared one (suggest `px add`).
type Context struct {
	Command      string // "run", "test", "fmt"
	ManifestDeps map[string]bool
	LockedDeps   map[string]bool
}

func (c Context) declared(pkg string) bool {
	pkg = strings.ToLower(pkg)
	return c.ManifestDeps[pkg] || c.LockedDeps[pkg]
}

// Analyze scans stderr for the last traceback block and classifies its
// failure. It returns nil if stderr contains no recognizable traceback.
func Analyze(stderr string, ctx Context) *Report {
	summary := parseLast(stderr)
	if summary == nil {
		return nil
	}
	return &Report{
		Frames:         summary.frames,
		ErrorType:      summary.errorType,
		ErrorMessage:   summary.errorMessage,
		Recommendation: recommend(summary, ctx),
	}
}

type summary struct {
	frames       []Frame
	errorType    string
	errorMessage string
}

func parseLast(stderr string) *summary {
	lines := strings.Split(stderr, "\n")
	var latest *summary
	idx := 0
	for idx < len(lines) {
		line := strings.TrimLeft(lines[idx], " \t")
		if strings.HasPrefix(line, header) {
			block, next, ok := parseBlock(lines, idx+1)
			if !ok {
				break
			}
			latest = block
			idx = next
			continue
		}
		idx++
	}
	return latest
}

func parseBlock(lines []string, idx int) (*summary, int, bool) {
	var frames []Frame
	for idx < len(lines) {
		line := lines[idx]
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			idx++
			continue
		}
		if isPointerLine(trimmed) || isEllipsisLine(trimmed) {
			idx++
			continue
		}
		if frame, ok := parseFrameLine(trimmed); ok {
			idx++
			if idx < len(lines) {
				next := lines[idx]
				if (strings.HasPrefix(next, " ") || strings.HasPrefix(next, "\t")) &&
					!strings.HasPrefix(strings.TrimLeft(next, " \t"), `File "`) {
					frame.Code = strings.TrimSpace(next)
					idx++
				}
			}
			frames = append(frames, frame)
			continue
		}
		errType, errMsg := parseErrorLine(trimmed)
		return &summary{frames: frames, errorType: errType, errorMessage: errMsg}, idx + 1, true
	}
	return nil, idx, false
}

func isPointerLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, r := range line {
		if r != '^' && r != '~' {
			return false
		}
	}
	return true
}

func isEllipsisLine(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "...") && strings.HasSuffix(line, "...")
}

func parseFrameLine(line string) (Frame, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, `File "`) {
		return Frame{}, false
	}
	rest := strings.TrimPrefix(trimmed, `File "`)
	q := strings.Index(rest, `"`)
	if q < 0 {
		return Frame{}, false
	}
	file := rest[:q]
	afterFile := strings.TrimLeft(rest[q+1:], " ")
	afterLine, ok := strings.CutPrefix(afterFile, ", line ")
	if !ok {
		return Frame{}, false
	}
	parts := strings.SplitN(afterLine, ",", 2)
	lineNo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Frame{}, false
	}
	function := "<module>"
	if len(parts) == 2 {
		if name, ok := strings.CutPrefix(strings.TrimSpace(parts[1]), "in "); ok {
			function = strings.TrimSpace(name)
		}
	}
	return Frame{File: file, Line: lineNo, Function: function}, true
}

func parseErrorLine(line string) (errType, errMsg string) {
	if kind, msg, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(kind), strings.TrimSpace(msg)
	}
	return strings.TrimSpace(line), ""
}

func recommend(s *summary, ctx Context) *Recommendation {
	if rec := missingImport(s, ctx); rec != nil {
		return rec
	}
	return distributionNotFound(s)
}

func missingImport(s *summary, ctx Context) *Recommendation {
	isModuleNotFound := strings.Contains(s.errorType, "ModuleNotFoundError")
	isImportError := strings.Contains(s.errorType, "ImportError") && strings.Contains(s.errorMessage, "No module named")
	if !isModuleNotFound && !isImportError {
		return nil
	}
	module := extractMissingModule(s.errorMessage)
	if module == "" || isStdlib(module) {
		return nil
	}
	pkg := moduleToPackage(module)
	if ctx.declared(pkg) {
		return &Recommendation{
			Reason:     "missing_import",
			Hint:       "dependency '" + pkg + "' is declared; run `px sync` to rebuild the environment",
			Command:    "px sync",
			Confidence: "high",
		}
	}
	if looksLikeMissingLocalExtension(module, s.frames) {
		return &Recommendation{
			Reason:     "missing_import",
			Hint:       "`" + module + "` looks like a compiled extension imported from your source tree; build the project (native extensions) or install a prebuilt wheel, then rerun the command",
			Confidence: "medium",
		}
	}
	devTool := isDevTool(pkg) || ctx.Command == "test"
	command := "px add " + pkg
	hint := "add '" + pkg + "' with `" + command + "` and rerun the command"
	if devTool {
		command = "px add --dev " + pkg
		hint = "add the dev tool with `" + command + "` and rerun the command"
	}
	return &Recommendation{Reason: "missing_import", Hint: hint, Command: command, Confidence: "high"}
}

func distributionNotFound(s *summary) *Recommendation {
	errType := strings.ToLower(s.errorType)
	msg := strings.ToLower(s.errorMessage)
	if strings.Contains(errType, "distributionnotfound") || strings.Contains(msg, "distribution was not found") {
		return &Recommendation{
			Reason:     "distribution_missing",
			Hint:       "run `px sync` to reconcile the environment with px.lock",
			Command:    "px sync",
			Confidence: "medium",
		}
	}
	return nil
}

func extractMissingModule(message string) string {
	const marker = "No module named"
	idx := strings.Index(message, marker)
	if idx < 0 {
		return ""
	}
	token := strings.TrimSpace(message[idx+len(marker):])
	token = strings.TrimPrefix(token, ":")
	token = strings.TrimSpace(token)
	token = strings.TrimLeft(token, `'"`)
	end := strings.IndexAny(token, ` "':)`)
	if end < 0 {
		end = len(token)
	}
	for end > 0 && strings.ContainsRune(`"'.,)`, rune(token[end-1])) {
		end--
	}
	return strings.TrimSpace(token[:end])
}

var moduleAliases = map[string]string{
	"yaml":    "PyYAML",
	"cv2":     "opencv-python",
	"PIL":     "Pillow",
	"pil":     "Pillow",
	"sklearn": "scikit-learn",
	"bs4":     "beautifulsoup4",
}

func moduleToPackage(module string) string {
	top, _, _ := strings.Cut(module, ".")
	if pkg, ok := moduleAliases[top]; ok {
		return pkg
	}
	return top
}

func looksLikeMissingLocalExtension(module string, frames []Frame) bool {
	pkg, submodule, ok := strings.Cut(module, ".")
	if !ok || !strings.HasPrefix(submodule, "_") {
		return false
	}
	unixMarker := "/" + pkg + "/"
	windowsMarker := `\` + pkg + `\`
	for _, f := range frames {
		if !strings.HasSuffix(f.File, ".py") {
			continue
		}
		if !strings.Contains(f.File, unixMarker) && !strings.Contains(f.File, windowsMarker) {
			continue
		}
		lower := strings.ToLower(f.File)
		if strings.Contains(lower, "site-packages") || strings.Contains(lower, "dist-packages") ||
			strings.Contains(lower, "/.px/") || strings.Contains(lower, `\.px\`) {
			continue
		}
		return true
	}
	return false
}

var devTools = map[string]bool{
	"pytest": true, "ruff": true, "coverage": true, "black": true,
	"mypy": true, "isort": true, "tox": true, "nox": true,
}

func isDevTool(pkg string) bool {
	return devTools[strings.ToLower(pkg)]
}

var stdlibBlocklist = map[string]bool{
	"sys": true, "os": true, "pathlib": true, "importlib": true,
	"typing": true, "functools": true,
}

func isStdlib(module string) bool {
	return stdlibBlocklist[strings.ToLower(module)]
}
