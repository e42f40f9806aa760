// classifier.go: invocation of the external BirdNET command and parsing of
// its CSV output.
package analysis

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/tphakala/featherfront/internal/model"
)

const classifierTimeout = 60 * time.Second

// classifierRun carries the parameters substituted into the command
// template.
type classifierRun struct {
	Template       string
	Workdir        string
	InputPath      string
	OutputTarget   string
	MinConfidence  float64
	SegmentSeconds float64
	Latitude       float64
	Longitude      float64
	Week           int
}

// buildClassifierCommand expands the template into an argv. Paths are
// shell-quoted before substitution so the subsequent split keeps them
// intact.
func buildClassifierCommand(run classifierRun, outputArg string) ([]string, error) {
	if !strings.Contains(run.Template, "{input}") || !strings.Contains(run.Template, "{output}") {
		return nil, errors.New("BIRDNET_TEMPLATE must include {input} and {output}.")
	}
	replacer := strings.NewReplacer(
		"{input}", shellquote.Join(run.InputPath),
		"{output}", shellquote.Join(outputArg),
		"{min_conf}", formatFloat(run.MinConfidence),
		"{segment_seconds}", formatFloat(run.SegmentSeconds),
		"{segment}", formatFloat(run.SegmentSeconds),
		"{latitude}", formatFloat(run.Latitude),
		"{lat}", formatFloat(run.Latitude),
		"{longitude}", formatFloat(run.Longitude),
		"{lon}", formatFloat(run.Longitude),
		"{week}", strconv.Itoa(run.Week),
	)
	command, err := shellquote.Split(replacer.Replace(run.Template))
	if err != nil {
		return nil, fmt.Errorf("invalid BIRDNET_TEMPLATE: %w", err)
	}
	if len(command) == 0 {
		return nil, errors.New("BIRDNET_TEMPLATE is empty.")
	}
	return command, nil
}

// resolveOutputPaths decides where the classifier writes. A .csv target is
// passed through as-is; a directory target gets a fresh run subdirectory
// and the conventional results filename is expected inside it.
func resolveOutputPaths(outputTarget, inputPath string) (outputArg, expected string, err error) {
	if strings.EqualFold(filepath.Ext(outputTarget), ".csv") {
		return outputTarget, outputTarget, nil
	}
	runDir := filepath.Join(outputTarget, "birdnet_"+strings.ReplaceAll(uuid.New().String(), "-", ""))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return runDir, filepath.Join(runDir, stem+".BirdNET.results.csv"), nil
}

// runClassifier executes the classifier for one segment and returns its
// predictions, highest confidence first. The second return value is a
// user-facing error message; both empty results and a missing output file
// on success mean no detections.
func runClassifier(ctx context.Context, run classifierRun) ([]model.Prediction, string) {
	outputArg, expected, err := resolveOutputPaths(run.OutputTarget, run.InputPath)
	if err != nil {
		return nil, err.Error()
	}
	command, err := buildClassifierCommand(run, outputArg)
	if err != nil {
		return nil, err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = run.Workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	switch {
	case errors.Is(runErr, exec.ErrNotFound):
		return nil, "BirdNET command not found. Set BIRDNET_TEMPLATE."
	case ctx.Err() == context.DeadlineExceeded:
		return nil, "BirdNET timed out."
	case runErr != nil:
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = "BirdNET failed."
		}
		return nil, message
	}

	if _, err := os.Stat(expected); err != nil {
		cleanupOutput(run.OutputTarget, expected)
		return nil, ""
	}
	predictions, err := extractPredictions(expected)
	cleanupOutput(run.OutputTarget, expected)
	if err != nil {
		return nil, "Unable to read BirdNET output."
	}
	return predictions, ""
}

func cleanupOutput(outputTarget, expected string) {
	_ = os.Remove(expected)
	if dir := filepath.Dir(expected); dir != filepath.Clean(outputTarget) {
		_ = os.RemoveAll(dir)
	}
}

// extractPredictions parses the classifier's CSV output, tolerating the
// header spellings used by the different BirdNET frontends. Rows without a
// parseable confidence are skipped.
func extractPredictions(csvPath string) ([]model.Prediction, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.Prediction{}, nil
		}
		return nil, err
	}

	headerIndex := map[string]int{}
	for i, name := range header {
		headerIndex[normalizeHeader(name)] = i
	}
	pick := func(options ...string) int {
		for _, option := range options {
			if index, ok := headerIndex[normalizeHeader(option)]; ok {
				return index
			}
		}
		return -1
	}
	commonIndex := pick("common name", "common_name", "species")
	scientificIndex := pick("scientific name", "scientific_name")
	confidenceIndex := pick("confidence", "score", "probability")

	field := func(row []string, index int) string {
		if index < 0 || index >= len(row) {
			return ""
		}
		return row[index]
	}

	predictions := []model.Prediction{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		confidence, err := strconv.ParseFloat(strings.TrimSpace(field(row, confidenceIndex)), 64)
		if err != nil {
			continue
		}
		species := strings.TrimSpace(field(row, commonIndex))
		if species == "" {
			species = "Unknown"
		}
		predictions = append(predictions, model.Prediction{
			Species:        species,
			ScientificName: strings.TrimSpace(field(row, scientificIndex)),
			Confidence:     model.Float64(confidence),
		})
	}
	sort.SliceStable(predictions, func(i, j int) bool {
		return confidenceValue(predictions[i]) > confidenceValue(predictions[j])
	})
	return predictions, nil
}

func normalizeHeader(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", " ")
}

func confidenceValue(p model.Prediction) float64 {
	if p.Confidence == nil {
		return 0
	}
	return *p.Confidence
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
