// Package main provides the command-line interface for running one export.
//
// The input is either a TXF1 container or a synthetic test pattern, and the
// output is a TXF1 container or an RTP stream framed for TCP (RFC 4571).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/transformer"
	"github.com/opd-ai/transformer/asset"
	"github.com/opd-ai/transformer/config"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the parsed command-line flags.
type CLIConfig struct {
	configPath    string
	input         string
	pattern       bool
	patternFrames int
	patternWidth  int
	patternHeight int
	patternAudio  bool
	output        string
	format        string
	logLevel      string
	progressEvery time.Duration
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(args []string) (*CLIConfig, error) {
	cli := &CLIConfig{}
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)

	fs.StringVar(&cli.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cli.input, "input", "", "Input TXF1 container")
	fs.BoolVar(&cli.pattern, "pattern", false, "Use a synthetic test pattern as input")
	fs.IntVar(&cli.patternFrames, "frames", 90, "Test pattern frame count")
	fs.IntVar(&cli.patternWidth, "width", 320, "Test pattern width")
	fs.IntVar(&cli.patternHeight, "height", 240, "Test pattern height")
	fs.BoolVar(&cli.patternAudio, "audio", true, "Add a tone track to the test pattern")
	fs.StringVar(&cli.output, "output", "", "Output path")
	fs.StringVar(&cli.format, "format", "txf", "Output format (txf, rtp)")
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level, overrides the configuration file")
	fs.DurationVar(&cli.progressEvery, "progress-interval", 250*time.Millisecond, "Progress report interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cli, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cli *CLIConfig) error {
	if cli.input == "" && !cli.pattern {
		return errors.New("either -input or -pattern is required")
	}
	if cli.input != "" && cli.pattern {
		return errors.New("-input and -pattern are mutually exclusive")
	}
	if cli.output == "" {
		return errors.New("-output is required")
	}
	if cli.format != "txf" && cli.format != "rtp" {
		return fmt.Errorf("unsupported output format %q", cli.format)
	}
	if cli.progressEvery <= 0 {
		return errors.New("progress interval must be positive")
	}
	return nil
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	return cfg, nil
}

func openSource(cli *CLIConfig) (asset.Source, error) {
	if cli.input != "" {
		return asset.OpenFile(cli.input)
	}
	cfg := asset.DefaultPatternConfig()
	cfg.Frames = cli.patternFrames
	cfg.Width = cli.patternWidth
	cfg.Height = cli.patternHeight
	cfg.Audio = cli.patternAudio
	return asset.NewTestPattern(cfg)
}

// openSink returns the sink and the file backing it. The RTP sink does not
// own its writer, so the caller closes it after the job.
func openSink(cli *CLIConfig) (muxer.Sink, io.Closer, error) {
	if cli.format == "txf" {
		sink, err := muxer.NewFileSink(cli.output)
		return sink, nil, err
	}
	f, err := os.Create(cli.output)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", cli.output, err)
	}
	return muxer.NewRTPSink(f, muxer.DefaultMTU), f, nil
}

// outcome is the terminal event of the job.
type outcome struct {
	result transformer.Result
	err    *media.ExportError
}

type cliListener struct {
	done chan outcome
}

func (l *cliListener) OnCompleted(result transformer.Result) {
	l.done <- outcome{result: result}
}

func (l *cliListener) OnError(result transformer.Result, err *media.ExportError) {
	l.done <- outcome{result: result, err: err}
}

func (l *cliListener) OnFallbackApplied(original, fallback transformer.Request) {
	fmt.Printf("Fallback applied: %v changed\n", original.Diff(fallback))
}

func printResult(r transformer.Result) {
	fmt.Printf("Job %s\n", r.JobID)
	fmt.Printf("  duration:     %d ms\n", r.DurationMs)
	fmt.Printf("  video frames: %d (%dx%d, %d bit/s)\n", r.VideoFrameCount, r.Width, r.Height, r.AverageVideoBitrate)
	fmt.Printf("  audio chunks: %d (%d bit/s)\n", r.AudioSampleCount, r.AverageAudioBitrate)
}

// run executes one export and returns the process exit code.
func run(ctx context.Context, cli *CLIConfig) int {
	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	if err := config.SetupLogging(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	effects, err := cfg.BuildEffects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	source, err := openSource(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
		return 1
	}
	sink, closer, err := openSink(cli)
	if err != nil {
		_ = source.Close()
		fmt.Fprintf(os.Stderr, "Failed to open output: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	t := transformer.New(cfg.TransformerOptions())
	listener := &cliListener{done: make(chan outcome, 1)}
	t.AddListener(listener)

	jobID, err := t.Start(transformer.EditedItem{Source: source, Effects: effects}, sink)
	if err != nil {
		_ = source.Close()
		fmt.Fprintf(os.Stderr, "Failed to start export: %v\n", err)
		return 1
	}
	logrus.WithFields(logrus.Fields{
		"function": "main.run",
		"job_id":   jobID,
		"output":   cli.output,
		"format":   cli.format,
	}).Info("Export started")

	ticker := time.NewTicker(cli.progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := t.Cancel(); err != nil {
				fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
			}
			fmt.Fprintln(os.Stderr, "Export cancelled")
			return 130
		case out := <-listener.done:
			printResult(out.result)
			if out.err != nil {
				fmt.Fprintf(os.Stderr, "Export failed: %v\n", out.err)
				return 1
			}
			fmt.Println("Export completed")
			return 0
		case <-ticker.C:
			if state, percent := t.Progress(); state == transformer.ProgressStateAvailable {
				fmt.Printf("Progress: %d%%\n", percent)
			} else {
				fmt.Printf("Progress: %s\n", state)
			}
		}
	}
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, cli)
	stop()
	os.Exit(code)
}
