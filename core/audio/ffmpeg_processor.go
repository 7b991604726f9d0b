package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"audiosplit/logger"
)

const (
	// SegmentPrefix starts the file name of every produced segment.
	SegmentPrefix = "segment_"

	defaultTimeout  = 120 * time.Second
	versionTimeout  = 10 * time.Second
	maxStderrLength = 4096
)

var (
	// ErrTimeout is returned when ffmpeg outlives its wall-clock budget.
	ErrTimeout = errors.New("ffmpeg timed out")
	// ErrToolUnavailable is returned when ffmpeg cannot be started.
	ErrToolUnavailable = errors.New("ffmpeg not available")
)

// ToolError describes a failed ffmpeg run. Stderr is meant for server logs only.
type ToolError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// CommandResult is the captured output of one process run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner starts external processes. Tests replace it with a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands through os/exec with an argument vector, never a shell.
type ExecRunner struct{}

// Run executes name with args and captures stdout, stderr and the exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// FFmpegProcessor implements Segmenter with the ffmpeg segment muxer.
type FFmpegProcessor struct {
	ffmpegPath string
	timeout    time.Duration
	runner     CommandRunner
}

// NewFFmpegProcessor creates a processor that kills ffmpeg after timeout.
// A zero timeout selects the default of two minutes.
func NewFFmpegProcessor(ffmpegPath string, timeout time.Duration) *FFmpegProcessor {
	return NewFFmpegProcessorWithRunner(ffmpegPath, timeout, ExecRunner{})
}

// NewFFmpegProcessorWithRunner is NewFFmpegProcessor with an injected runner.
func NewFFmpegProcessorWithRunner(ffmpegPath string, timeout time.Duration, runner CommandRunner) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FFmpegProcessor{ffmpegPath: ffmpegPath, timeout: timeout, runner: runner}
}

// OutputPattern returns the segment template inside outputDir, e.g. segment_%03d.m4a.
func OutputPattern(outputDir, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "m4a"
	}
	return filepath.Join(outputDir, SegmentPrefix+"%03d."+ext)
}

// SplitArgs builds the ffmpeg argument vector for a stream-copy segmentation.
func SplitArgs(inputFile, outputPattern string, segmentSeconds int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputFile,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-c", "copy",
		"-reset_timestamps", "1",
		outputPattern,
	}
}

// Split runs ffmpeg once. The input path travels as a single argv element so
// shell metacharacters in it have no effect.
func (p *FFmpegProcessor) Split(ctx context.Context, inputFile, outputPattern string, segmentSeconds int) error {
	if segmentSeconds <= 0 {
		segmentSeconds = DefaultSegmentTime
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := SplitArgs(inputFile, outputPattern, segmentSeconds)
	logger.Debug("Executing ffmpeg",
		logger.String("path", p.ffmpegPath),
		logger.Strings("args", args))

	start := time.Now()
	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err == nil {
		logger.Debug("ffmpeg finished",
			logger.String("input", inputFile),
			logger.Duration("elapsed", time.Since(start)))
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ToolError{Args: args, ExitCode: result.ExitCode, Stderr: tail(result.Stderr), Err: fmt.Errorf("%w after %s", ErrTimeout, p.timeout)}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, exec.ErrDot) || errors.Is(err, fs.ErrNotExist) {
		return &ToolError{Args: args, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrToolUnavailable, err)}
	}
	return &ToolError{Args: args, ExitCode: result.ExitCode, Stderr: tail(result.Stderr), Err: err}
}

// Version runs "ffmpeg -version" and returns its first line. Empty output
// counts as unavailable.
func (p *FFmpegProcessor) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	result, err := p.runner.Run(ctx, p.ffmpegPath, "-version")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	line, _, _ := strings.Cut(result.Stdout, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%w: %s -version printed nothing", ErrToolUnavailable, p.ffmpegPath)
	}
	return line, nil
}

func tail(s string) string {
	if len(s) <= maxStderrLength {
		return s
	}
	return "..." + s[len(s)-maxStderrLength:]
}
