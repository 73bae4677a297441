// Package ocr drives Tesseract as a subprocess and parses its TSV output,
// grounded on original_source/crates/rewindos-core/src/ocr.rs.
package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"rewindos/internal/rerrors"
)

// MinConfidence is the minimum per-word confidence (0-100) to keep a word.
const MinConfidence = 30.0

// Timeout bounds how long a tesseract subprocess may run before being killed.
const Timeout = 10 * time.Second

// BoundingBox is a single recognized word's location and confidence.
type BoundingBox struct {
	Text       string
	X          int
	Y          int
	Width      int
	Height     int
	Confidence float64
}

// Output is the result of OCRing a single image.
type Output struct {
	FullText      string
	BoundingBoxes []BoundingBox
	WordCount     int
}

// Run invokes `tesseract <path> stdout --oem 1 --psm 3 -l <lang> tsv`,
// enforcing Timeout, and parses the resulting TSV into an Output.
func Run(ctx context.Context, imagePath string, lang string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tesseract", imagePath, "stdout",
		"--oem", "1", "--psm", "3", "-l", lang, "tsv")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Output{}, rerrors.New(rerrors.OCR, "ocr.Run", errTimeout)
	}
	if err != nil {
		return Output{}, rerrors.New(rerrors.OCR, "ocr.Run",
			&exitError{status: err.Error(), stderr: stderr.String()})
	}

	return parseTSVOutput(stdout.String()), nil
}

var errTimeout = tesseractTimeoutError{}

type tesseractTimeoutError struct{}

func (tesseractTimeoutError) Error() string { return "tesseract timed out after 10s" }

type exitError struct {
	status string
	stderr string
}

func (e *exitError) Error() string {
	return "tesseract exited with " + e.status + ": " + e.stderr
}

// parseTSVOutput parses Tesseract's TSV format:
//
//	level page_num block_num par_num line_num word_num left top width height conf text
//
// keeping only level-5 (individual word) rows at or above MinConfidence.
func parseTSVOutput(tsv string) Output {
	var fullTextParts []string
	var boxes []BoundingBox
	currentLineNum := -1
	wordCount := 0

	lines := strings.Split(tsv, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // skip header
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 12 {
			continue
		}

		level, err := strconv.Atoi(fields[0])
		if err != nil || level != 5 {
			continue
		}

		confidence, err := strconv.ParseFloat(fields[10], 64)
		if err != nil {
			confidence = -1.0
		}
		text := strings.TrimSpace(fields[11])

		if text == "" || confidence < MinConfidence {
			continue
		}

		lineNum, _ := strconv.Atoi(fields[4])

		if currentLineNum >= 0 && lineNum != currentLineNum && len(fullTextParts) > 0 {
			fullTextParts = append(fullTextParts, "\n")
		}
		currentLineNum = lineNum

		fullTextParts = append(fullTextParts, text)
		wordCount++

		left, _ := strconv.Atoi(fields[6])
		top, _ := strconv.Atoi(fields[7])
		width, _ := strconv.Atoi(fields[8])
		height, _ := strconv.Atoi(fields[9])

		boxes = append(boxes, BoundingBox{
			Text:       text,
			X:          left,
			Y:          top,
			Width:      width,
			Height:     height,
			Confidence: confidence,
		})
	}

	return Output{
		FullText:      joinWords(fullTextParts),
		BoundingBoxes: boxes,
		WordCount:     wordCount,
	}
}

// joinWords space-separates word parts on the same line and inserts
// newlines where the parser marked a line break.
func joinWords(parts []string) string {
	var b strings.Builder
	for i, part := range parts {
		if part == "\n" {
			b.WriteByte('\n')
			continue
		}
		s := b.String()
		if i > 0 && s != "" && !strings.HasSuffix(s, "\n") {
			b.WriteByte(' ')
		}
		b.WriteString(part)
	}
	return b.String()
}

// IsAvailable probes whether the tesseract binary is callable.
func IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "tesseract", "--version")
	return cmd.Run() == nil
}
