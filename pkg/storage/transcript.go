// Package storage persists invocation transcripts, the formatted prompts a
// chain sent and the generations it got back, to blob storage for audit and
// replay.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/chain"
	"go.uber.org/zap"
)

// TranscriptEntry records one prompt/response exchange within a run.
type TranscriptEntry struct {
	Branch      map[string]string `json:"branch,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Generations []string          `json:"generations,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Transcript is the full record of one chain invocation.
type Transcript struct {
	RunID     string            `json:"run_id"`
	Entries   []TranscriptEntry `json:"entries"`
	CreatedAt time.Time         `json:"created_at"`
}

// BlobClient is the storage contract transcripts are written through.
type BlobClient interface {
	Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	Download(ctx context.Context, reference string) ([]byte, error)
}

// TranscriptPath returns the standard blob path for a run's transcript.
func TranscriptPath(runID string) string {
	return fmt.Sprintf("transcripts/%s/transcript.json", runID)
}

// TranscriptClient saves and loads transcripts through a BlobClient.
type TranscriptClient struct {
	blobClient BlobClient
	logger     *zap.Logger
}

// NewTranscriptClient creates a transcript client.
func NewTranscriptClient(blobClient BlobClient, logger *zap.Logger) *TranscriptClient {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &TranscriptClient{blobClient: blobClient, logger: logger}
}

// Save uploads a transcript, returning the blob reference.
func (c *TranscriptClient) Save(ctx context.Context, transcript *Transcript) (string, error) {
	if transcript == nil || transcript.RunID == "" {
		return "", fmt.Errorf("transcript with a run ID is required")
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	reference, err := c.blobClient.Upload(ctx, TranscriptPath(transcript.RunID), data, map[string]string{
		"run_id":  transcript.RunID,
		"entries": fmt.Sprintf("%d", len(transcript.Entries)),
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Saved transcript",
		zap.String("run_id", transcript.RunID),
		zap.Int("entries", len(transcript.Entries)),
		zap.String("reference", reference))
	return reference, nil
}

// Load downloads and decodes a transcript by blob reference.
func (c *TranscriptClient) Load(ctx context.Context, reference string) (*Transcript, error) {
	data, err := c.blobClient.Download(ctx, reference)
	if err != nil {
		return nil, err
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &transcript, nil
}

// TranscriptObserver buffers the prompts and responses of in-flight runs. It
// implements the chain observer contract and is safe for concurrent branch
// calls. Buffered runs are persisted with Flush.
type TranscriptObserver struct {
	client *TranscriptClient

	mu   sync.Mutex
	runs map[string]*Transcript
}

// NewTranscriptObserver creates an observer that persists through client.
func NewTranscriptObserver(client *TranscriptClient) *TranscriptObserver {
	return &TranscriptObserver{
		client: client,
		runs:   make(map[string]*Transcript),
	}
}

var _ chain.Observer = (*TranscriptObserver)(nil)

// PromptFormatted implements chain.Observer.
func (o *TranscriptObserver) PromptFormatted(runID string, branch chain.Branch, prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	branchCopy := make(map[string]string, len(branch))
	for name, value := range branch {
		branchCopy[name] = value
	}
	transcript := o.run(runID)
	transcript.Entries = append(transcript.Entries, TranscriptEntry{
		Branch:     branchCopy,
		Prompt:     prompt,
		RecordedAt: time.Now().UTC(),
	})
}

// ResponseReceived implements chain.Observer.
func (o *TranscriptObserver) ResponseReceived(runID string, generations []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	generationsCopy := make([]string, len(generations))
	copy(generationsCopy, generations)
	transcript := o.run(runID)
	transcript.Entries = append(transcript.Entries, TranscriptEntry{
		Generations: generationsCopy,
		RecordedAt:  time.Now().UTC(),
	})
}

// Flush persists the buffered transcript for runID and clears it. Returns
// the blob reference.
func (o *TranscriptObserver) Flush(ctx context.Context, runID string) (string, error) {
	o.mu.Lock()
	transcript, ok := o.runs[runID]
	delete(o.runs, runID)
	o.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no transcript buffered for run %q", runID)
	}
	return o.client.Save(ctx, transcript)
}

// RunIDs returns the run IDs currently buffered, in no particular order.
func (o *TranscriptObserver) RunIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// run returns the buffered transcript for runID, creating it on first use.
// Callers must hold o.mu.
func (o *TranscriptObserver) run(runID string) *Transcript {
	transcript, ok := o.runs[runID]
	if !ok {
		transcript = &Transcript{RunID: runID, CreatedAt: time.Now().UTC()}
		o.runs[runID] = transcript
	}
	return transcript
}
