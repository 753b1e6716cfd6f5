// Package analysis runs queued extraction work against LLM backends and
// applies the results to the learning and signature tables.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/pkg/models"
)

// Source tags rows produced by the LLM path, as opposed to the
// deterministic extractor.
const Source = "llm"

// DefaultInvokeTimeout bounds a single backend invocation. Batches carry
// several conversations, so this is deliberately generous.
const DefaultInvokeTimeout = 2 * time.Minute

// Transcript pairs a stored conversation with its messages for payload
// building. Learnings is populated only for dedupe batches.
type Transcript struct {
	Conversation *models.Conversation
	Messages     []*models.Message
	Learnings    []*models.Learning
}

// Request is one batch submission to an analysis backend. Items all share
// one analysis type; Transcripts is keyed by conversation id and must cover
// every item. KnownLearnings carries the dedup corpus for dedupe batches.
type Request struct {
	Transcripts     map[string]*Transcript
	Tool            string
	Model           string
	PayloadMode     string
	Items           []*models.QueueItem
	KnownLearnings  []*models.Learning
	AnalysisType    models.AnalysisType
	MaxPayloadBytes int
}

// Response carries the backend's raw JSON output plus any queue ids it
// declined to answer. Declined items are released for retry by the caller.
type Response struct {
	Output  []byte
	Dropped []int64
}

// Backend is a batch analysis invocation. Implementations return
// PayloadTooLargeError when the built payload exceeds the request limit
// (recoverable by bisecting the batch), ConnectivityError when the backend
// is unreachable, and AuthError when credentials are rejected.
type Backend interface {
	RunAnalysis(ctx context.Context, req *Request) (*Response, error)
}

// CLIBackend shells out to a provider CLI in non-interactive mode. The
// prompt instructs the model to answer with a bare JSON array keyed by
// queue_id; anything around the array is stripped before parsing.
type CLIBackend struct {
	payloads *payloadBuilder
	tool     string
	toolPath string
	model    string
	timeout  time.Duration
}

// NewCLIBackend resolves the tool on PATH and prepares the payload builder.
func NewCLIBackend(tool, model string) (*CLIBackend, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return nil, &models.ConnectivityError{Backend: tool, Err: fmt.Errorf("not found in PATH: %w", err)}
	}
	pb, err := newPayloadBuilder()
	if err != nil {
		return nil, fmt.Errorf("payload builder: %w", err)
	}
	return &CLIBackend{
		payloads: pb,
		tool:     tool,
		toolPath: path,
		model:    model,
		timeout:  DefaultInvokeTimeout,
	}, nil
}

// RunAnalysis builds the payload, invokes the CLI and computes which of the
// submitted queue ids the output covers. Unparseable output is returned
// as-is with no dropped ids; the caller poisons those items rather than
// retrying a backend that produces garbage.
func (b *CLIBackend) RunAnalysis(ctx context.Context, req *Request) (*Response, error) {
	prompt, err := b.payloads.Build(req)
	if err != nil {
		return nil, err
	}

	out, err := b.invoke(ctx, prompt, req.Model)
	if err != nil {
		return nil, err
	}

	resp := &Response{Output: out}
	rows, err := SplitResults(out)
	if err != nil {
		log.Warn().
			Str("tool", b.tool).
			Str("analysisType", string(req.AnalysisType)).
			Err(err).
			Msg("Backend output is not a JSON array")
		return resp, nil
	}
	for _, it := range req.Items {
		if _, ok := rows[it.ID]; !ok {
			resp.Dropped = append(resp.Dropped, it.ID)
		}
	}
	return resp, nil
}

// invoke runs the CLI with the prompt on stdin-free argv. Known tools get
// their non-interactive flags; unknown tools get the common -p form.
func (b *CLIBackend) invoke(ctx context.Context, prompt, model string) ([]byte, error) {
	if model == "" {
		model = b.model
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.toolPath, toolArgs(b.tool, model, prompt)...) // #nosec G204 -- toolPath resolved from config, prompt is internal

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classifyInvokeError(b.tool, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// toolArgs maps a tool name to its non-interactive invocation.
func toolArgs(tool, model, prompt string) []string {
	switch tool {
	case "claude":
		args := []string{"--print", "--tools", "", "--strict-mcp-config"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, "-p", prompt)
	case "gemini":
		args := []string{}
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, "-p", prompt)
	default:
		return []string{"-p", prompt}
	}
}

// authIndicators are stderr fragments that mean the CLI wants the user to
// sign in, not that the request was malformed.
var authIndicators = []string{
	"not logged in",
	"please log in",
	"sign in",
	"unauthorized",
	"invalid api key",
	"authentication",
}

// connectivityIndicators are stderr fragments for an unreachable backend.
var connectivityIndicators = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"timed out",
	"timeout",
	"dial tcp",
	"tls handshake",
}

// classifyInvokeError maps a CLI failure onto the error taxonomy so callers
// can tell "sign in required" apart from "backend down" apart from a plain
// bad exit.
func classifyInvokeError(tool string, err error, stderr string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.ConnectivityError{Backend: tool, Err: err}
	}

	lower := strings.ToLower(stderr)
	for _, ind := range authIndicators {
		if strings.Contains(lower, ind) {
			return &models.AuthError{Backend: tool}
		}
	}
	for _, ind := range connectivityIndicators {
		if strings.Contains(lower, ind) {
			return &models.ConnectivityError{Backend: tool, Err: err}
		}
	}

	stderr = strings.TrimSpace(stderr)
	if len(stderr) > 300 {
		stderr = stderr[:300]
	}
	if stderr != "" {
		return fmt.Errorf("%s failed: %w (stderr: %s)", tool, err, stderr)
	}
	return fmt.Errorf("%s failed: %w", tool, err)
}
