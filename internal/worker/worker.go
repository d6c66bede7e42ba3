// Package worker bridges NATS text events to the synthesis coordinator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/contentkey"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	handleMessageTimeout = 2 * time.Minute
	messageBufferSize    = 64
)

var (
	// ErrEmptyText indicates a text object with nothing to speak.
	ErrEmptyText = errors.New("text object is empty")
	// ErrTextTooLong indicates a text object over Options.MaxTextLength.
	ErrTextTooLong = errors.New("text object is too long")
)

// Log formats.
const (
	logFmtSubscribed   = "listening for text events on %s"
	logFmtParseFailed  = "Failed to parse event: %v"
	logFmtJobFailed    = "Failed to process TTS job for workflow %s: %v"
	logFmtJobDone      = "workflow %s page %d: %s uploaded (%s)"
	logFmtReplyFailed  = "Failed to publish reply event for workflow %s: %v"
	logFmtNoReplyRoute = "no reply subject for workflow %s; dropping result %s"
)

// ArtifactReader reads a rendered artifact back from disk.
type ArtifactReader interface {
	ReadFile(path string) ([]byte, error)
}

// Options configures a NatsWorker.
type Options struct {
	// Subject carries events.TextProcessedEvent messages.
	Subject string
	// ReplySubject receives the result of messages that were not sent as a
	// request. Optional.
	ReplySubject string
	// FilesDir is where the coordinator places artifacts.
	FilesDir string
	// Concurrency bounds the number of messages handled at once.
	Concurrency int
	// MaxTextLength caps the normalized text in runes. Zero means no limit.
	MaxTextLength int
}

// NatsWorker listens for text events, synthesizes the text and uploads the
// resulting audio.
type NatsWorker struct {
	natsConnection *nats.Conn
	opts           Options
	texts          core.ObjectStore
	audio          core.ObjectStore
	synthesizer    core.Synthesizer
	artifacts      ArtifactReader
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	opts Options,
	texts, audio core.ObjectStore,
	synthesizer core.Synthesizer,
	artifacts ArtifactReader,
	log *logger.Logger,
) *NatsWorker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		opts:           opts,
		texts:          texts,
		audio:          audio,
		synthesizer:    synthesizer,
		artifacts:      artifacts,
		log:            log,
	}
}

// Run handles messages until ctx is cancelled, then unsubscribes and waits
// for the messages already being handled.
func (w *NatsWorker) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, messageBufferSize)

	sub, err := w.natsConnection.ChanSubscribe(w.opts.Subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info(logFmtSubscribed, w.opts.Subject)

	var handlers errgroup.Group

	handlers.SetLimit(w.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			unsubErr := sub.Unsubscribe()
			_ = handlers.Wait()

			if unsubErr != nil && !errors.Is(unsubErr, nats.ErrConnectionClosed) {
				return fmt.Errorf("failed to unsubscribe: %w", unsubErr)
			}

			return nil
		case msg := <-msgs:
			handlers.Go(func() error {
				w.handleMessage(msg)

				return nil
			})
		}
	}
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error(logFmtParseFailed, err)

		return
	}

	audioKey, decision, err := w.processTTSJob(ctx, event)
	if err != nil {
		w.log.Error(logFmtJobFailed, event.Header.WorkflowID, err)

		return
	}

	w.log.Info(logFmtJobDone, event.Header.WorkflowID, event.PageNumber, audioKey, decision)

	header := event.Header
	header.EventID = uuid.NewString()
	header.Timestamp = time.Now()

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, event.Header.WorkflowID, err)
	}
}

// processTTSJob downloads the text, has it rendered and uploads the audio
// under its content-addressed name.
func (w *NatsWorker) processTTSJob(ctx context.Context, event *events.TextProcessedEvent) (string, string, error) {
	textData, err := w.texts.Download(ctx, event.TextKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	text := contentkey.Normalize(string(textData))
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("%w: '%s'", ErrEmptyText, event.TextKey)
	}

	length := utf8.RuneCountInString(text)
	if w.opts.MaxTextLength > 0 && length > w.opts.MaxTextLength {
		return "", "", fmt.Errorf("%w: '%s' has %d characters, the maximum is %d",
			ErrTextTooLong, event.TextKey, length, w.opts.MaxTextLength)
	}

	key := contentkey.Of(text)
	audioKey := contentkey.Filename(key)
	dest := filepath.Join(w.opts.FilesDir, audioKey)

	decision, err := w.synthesizer.Handle(ctx, key, text, dest)
	if err != nil {
		return "", decision, fmt.Errorf("failed to synthesize text '%s': %w", event.TextKey, err)
	}

	audioData, err := w.artifacts.ReadFile(dest)
	if err != nil {
		return "", decision, fmt.Errorf("failed to read rendered audio: %w", err)
	}

	err = w.audio.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", decision, fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, decision, nil
}

// publishReplyEvent answers a request directly, or publishes to the
// configured reply subject otherwise.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	switch {
	case msg.Reply != "":
		err = msg.Respond(replyData)
	case w.opts.ReplySubject != "":
		err = w.natsConnection.Publish(w.opts.ReplySubject, replyData)
	default:
		w.log.Warn(logFmtNoReplyRoute, replyEvent.Header.WorkflowID, replyEvent.AudioKey)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
