// Package agent drives a single streaming run: provider deltas flow through
// the block chunker into the reply dispatcher, so partial replies reach the
// channel while the model is still generating.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danharwell/chatmux/internal/chunk"
	"github.com/danharwell/chatmux/internal/dispatch"
	"github.com/danharwell/chatmux/internal/providers"
	"github.com/danharwell/chatmux/internal/toolcall"
)

// RunContext identifies where a run came from. The queue passes it through
// opaquely; the runner only reads it for logging and span attributes.
type RunContext struct {
	SessionKey string
	Channel    string
	ChatID     string
	PeerKind   string // "direct" or "group"
	SenderID   string
	AgentID    string
}

// RunRequest is one message to process.
type RunRequest struct {
	RunContext
	RunID   string // generated when empty
	Message string
	Model   string // override; empty = runner default
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID     string
	Content   string // sanitized final text; empty when the reply was silent
	ToolCalls int
	Usage     *providers.Usage
	Elapsed   time.Duration
}

// Runner executes one run, streaming replies through the dispatcher.
type Runner interface {
	Run(ctx context.Context, req RunRequest, d *dispatch.Dispatcher) (*RunResult, error)
}

// Config configures a StreamRunner.
type Config struct {
	AgentID      string
	Provider     providers.Provider
	Model        string // empty = provider default
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	ChunkSize    int // max chars per streamed block; 0 = chunker default
}

// StreamRunner is the standard Runner: it streams provider output, emits
// block replies at safe Markdown break points, surfaces requested tool
// calls as tool payloads, and finishes with a sanitized final reply.
type StreamRunner struct {
	agentID      string
	provider     providers.Provider
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	chunkSize    int
	tracer       trace.Tracer
}

func NewStreamRunner(cfg Config) *StreamRunner {
	model := cfg.Model
	if model == "" && cfg.Provider != nil {
		model = cfg.Provider.DefaultModel()
	}
	return &StreamRunner{
		agentID:      cfg.AgentID,
		provider:     cfg.Provider,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		chunkSize:    cfg.ChunkSize,
		tracer:       otel.Tracer("chatmux/agent"),
	}
}

// Run blocks until the provider stream completes and all payloads have been
// handed to the dispatcher. Delivery itself is asynchronous; callers that
// need delivery to finish use d.WaitForIdle.
func (r *StreamRunner) Run(ctx context.Context, req RunRequest, d *dispatch.Dispatcher) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	model := req.Model
	if model == "" {
		model = r.model
	}

	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", r.agentID),
		attribute.String("run.id", req.RunID),
		attribute.String("session.key", req.SessionKey),
		attribute.String("channel", req.Channel),
		attribute.String("model", model),
	))
	defer span.End()

	start := time.Now()
	slog.Info("run started",
		"agent", r.agentID, "run", req.RunID, "session", req.SessionKey, "model", model)

	ck := chunk.New(0, r.chunkSize)
	blocksSent := 0

	chatReq := providers.ChatRequest{
		Messages:    r.buildMessages(req),
		Model:       model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}

	resp, err := r.provider.ChatStream(ctx, chatReq, func(c providers.StreamChunk) {
		if c.Done || c.Content == "" {
			return
		}
		ck.Append(c.Content)
		ck.Drain(false, func(block string) {
			if d.SendBlockReply(block) {
				blocksSent++
			}
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider stream failed")
		return nil, fmt.Errorf("run %s: %w", req.RunID, err)
	}

	r.deliverToolCalls(resp.ToolCalls, d)

	content := r.deliverFinal(resp.Content, ck, blocksSent, d)

	result := &RunResult{
		RunID:     req.RunID,
		Content:   content,
		ToolCalls: len(resp.ToolCalls),
		Usage:     resp.Usage,
		Elapsed:   time.Since(start),
	}

	span.SetAttributes(
		attribute.Int("run.tool_calls", result.ToolCalls),
		attribute.Int("run.content_len", len(result.Content)),
	)
	if resp.Usage != nil {
		span.SetAttributes(attribute.Int("run.total_tokens", resp.Usage.TotalTokens))
	}
	slog.Info("run completed",
		"agent", r.agentID, "run", req.RunID,
		"tool_calls", result.ToolCalls, "elapsed", result.Elapsed)

	return result, nil
}

func (r *StreamRunner) buildMessages(req RunRequest) []providers.Message {
	msgs := make([]providers.Message, 0, 2)
	if r.systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: r.systemPrompt})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: req.Message})
	return msgs
}

// deliverToolCalls surfaces model-requested tool calls as tool payloads.
// Consecutive duplicate mutating actions collapse to one notice so a model
// stuck re-requesting the same write does not spam the chat.
func (r *StreamRunner) deliverToolCalls(calls []providers.ToolCall, d *dispatch.Dispatcher) {
	var last toolcall.Action
	haveLast := false

	for _, tc := range calls {
		cur := toolcall.Action{
			ToolName:    tc.Name,
			Fingerprint: toolcall.BuildActionFingerprint(tc.Name, tc.Arguments, ""),
		}
		if haveLast && cur.Fingerprint != "" && toolcall.SameMutationAction(cur, last) {
			slog.Debug("duplicate tool call collapsed", "agent", r.agentID, "tool", tc.Name)
			continue
		}
		d.SendToolResult(formatToolNotice(tc))
		last = cur
		haveLast = true
	}
}

// deliverFinal flushes the chunker tail. When nothing streamed, the whole
// sanitized response goes out as one final reply; otherwise the buffered
// remainder is force-drained and its last piece is delivered as final.
//
// A stream can end exactly on a break point, leaving the chunker empty with
// every piece already delivered as a block. Such a run ends without a
// final-kind payload: kinds govern dispatcher accounting only, and run
// completion is signaled by WaitForIdle / OnIdle, never by kind. Emitting a
// synthetic final here would either duplicate text or push an empty message
// to the channel.
func (r *StreamRunner) deliverFinal(full string, ck *chunk.Chunker, blocksSent int, d *dispatch.Dispatcher) string {
	content := SanitizeAssistantContent(full)
	if IsSilentReply(full) {
		return ""
	}

	if blocksSent == 0 {
		d.SendFinalReply(content)
		return content
	}

	var tail []string
	ck.Drain(true, func(block string) { tail = append(tail, block) })
	for i, block := range tail {
		if i == len(tail)-1 {
			d.SendFinalReply(strings.TrimRight(block, " \t\n"))
		} else {
			d.SendBlockReply(block)
		}
	}
	return content
}

// formatToolNotice renders one requested tool call for the chat surface.
func formatToolNotice(tc providers.ToolCall) string {
	keys := make([]string, 0, len(tc.Arguments))
	for k := range tc.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("tool: ")
	b.WriteString(tc.Name)
	if len(keys) > 0 {
		b.WriteString("(")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(elideArg(fmt.Sprint(tc.Arguments[k])))
		}
		b.WriteString(")")
	}
	return b.String()
}

const toolArgMax = 80

func elideArg(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	if len(v) <= toolArgMax {
		return v
	}
	return v[:toolArgMax-1] + "…"
}
