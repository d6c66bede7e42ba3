package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/tts-dispatch/internal/tts"
	"github.com/spf13/afero"
)

const (
	maxErrorBodySize = 4096
	outputFilePerm   = 0o644
	outputDirPerm    = 0o750
)

var (
	// errRequestFailed indicates a non-success response from the service.
	errRequestFailed = errors.New("request failed")
	// errNoChunks indicates a chunks file without any text.
	errNoChunks = errors.New("chunks file contains no text")
)

// healthResponse mirrors the body of GET /healthz.
type healthResponse struct {
	Status string    `json:"status"`
	Pool   tts.Stats `json:"pool"`
}

// client talks to the tts-dispatch HTTP API.
type client struct {
	baseURL    string
	httpClient *http.Client
	fs         afero.Fs
}

func newClient(baseURL string, timeout time.Duration, fs afero.Fs) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		fs:         fs,
	}
}

// synthesize requests text and writes the rendered audio to outputPath. The
// service answers with a redirect to the file, which the HTTP client follows.
func (c *client) synthesize(ctx context.Context, text, outputPath string) error {
	target := c.baseURL + "/tts?" + url.Values{"text": {text}}.Encode()

	body, err := c.get(ctx, target)
	if err != nil {
		return err
	}

	err = c.fs.MkdirAll(filepath.Dir(outputPath), outputDirPerm)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err = afero.WriteFile(c.fs, outputPath, body, outputFilePerm)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	return nil
}

// processChunks synthesizes every chunk of the JSON array at chunksPath into
// outputDir, one numbered file per chunk.
func (c *client) processChunks(ctx context.Context, chunksPath, outputDir string) ([]string, error) {
	data, err := afero.ReadFile(c.fs, chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks file %s: %w", chunksPath, err)
	}

	if len(chunks) == 0 {
		return nil, errNoChunks
	}

	written := make([]string, 0, len(chunks))

	for i, chunk := range chunks {
		outputPath := filepath.Join(outputDir, fmt.Sprintf("chunk_%03d.wav", i+1))

		err = c.synthesize(ctx, chunk, outputPath)
		if err != nil {
			return written, fmt.Errorf("chunk %d: %w", i+1, err)
		}

		written = append(written, outputPath)
	}

	return written, nil
}

func (c *client) health(ctx context.Context) (*healthResponse, error) {
	body, err := c.get(ctx, c.baseURL+"/healthz")
	if err != nil {
		return nil, err
	}

	var health healthResponse

	err = json.Unmarshal(body, &health)
	if err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &health, nil
}

func (c *client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return nil, fmt.Errorf("%w: status %d: %s", errRequestFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}
