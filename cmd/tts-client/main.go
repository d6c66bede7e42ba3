// main package for tts-client, a command-line client of the tts-dispatch
// HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the tts-dispatch service"
	flagOutputDesc  = "Output file path (.wav) or, with --chunks, output directory"
	flagChunksDesc  = "JSON file containing an array of text chunks to process"
	flagHealthDesc  = "Check service health and exit"
	flagTextDesc    = "Text to convert to speech"
	flagTimeoutDesc = "Timeout for each request"
)

// Flag names.
const (
	flagServer  = "server"
	flagText    = "text"
	flagOutput  = "output"
	flagChunks  = "chunks"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

const (
	defaultServer     = "http://127.0.0.1:8080"
	defaultOutputFile = "output.wav"
	defaultOutputDir  = "."
	defaultTimeout    = 2 * time.Minute
)

var (
	errEitherTextOrChunks = errors.New("either --text or --chunks must be provided")
	errCannotSpecifyBoth  = errors.New("cannot specify both --text and --chunks")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	text    string
	output  string
	chunks  string
	health  bool
	timeout time.Duration
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	var flags appFlags

	cmd := &cobra.Command{
		Use:           "tts-client",
		Short:         "Convert text to speech through a tts-dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), fs, flags)
		},
	}

	cmd.Flags().StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	cmd.Flags().StringVar(&flags.text, flagText, "", flagTextDesc)
	cmd.Flags().StringVarP(&flags.output, flagOutput, "o", "", flagOutputDesc)
	cmd.Flags().StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	cmd.Flags().BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	cmd.Flags().DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	return cmd
}

func validateFlags(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" && flags.chunks == "" {
		return errEitherTextOrChunks
	}

	if flags.text != "" && flags.chunks != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

// run validates flags and dispatches to the requested action.
func run(ctx context.Context, fs afero.Fs, flags appFlags) error {
	err := validateFlags(flags)
	if err != nil {
		return err
	}

	c := newClient(flags.server, flags.timeout, fs)

	switch {
	case flags.health:
		health, err := c.health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		fmt.Printf("service is %s: %d workers, backlog %d\n",
			health.Status, health.Pool.Workers, health.Pool.Backlog)

		return nil
	case flags.text != "":
		outputPath := flags.output
		if outputPath == "" {
			outputPath = defaultOutputFile
		}

		err = c.synthesize(ctx, flags.text, outputPath)
		if err != nil {
			return fmt.Errorf("failed to process text: %w", err)
		}

		fmt.Printf("Generated: %s\n", outputPath)

		return nil
	default:
		outputDir := flags.output
		if outputDir == "" {
			outputDir = defaultOutputDir
		}

		written, err := c.processChunks(ctx, flags.chunks, outputDir)
		if err != nil {
			return fmt.Errorf("failed to process chunks: %w", err)
		}

		fmt.Printf("Generated %d audio files in: %s\n", len(written), filepath.Clean(outputDir))

		return nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCommand(afero.NewOsFs()).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
