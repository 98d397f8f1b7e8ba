package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// PermissionVerdict is the driver's answer to a tool-use permission
// check: allow (optionally with rewritten input) or deny with a reason.
type PermissionVerdict struct {
	Allow        bool
	UpdatedInput map[string]any
	DenyReason   string
}

// Client drives one session with the coding agent. RealClient
// implements it over an actual subprocess; MockClient replays canned
// scenarios for tests and CLAUDE_MOCK_SCENARIO-driven demo runs.
type Client interface {
	// Connect starts (or prepares) the session.
	Connect(ctx context.Context) error
	// Query sends the initial mission prompt.
	Query(ctx context.Context, prompt string) error
	// Messages returns the next message in the stream, or ok=false once
	// the stream is exhausted.
	Messages(ctx context.Context) (msg Message, ok bool, err error)
	// RespondToToolUse delivers a permission verdict for a pending
	// AskUserQuestion tool use, identified by toolUseID.
	RespondToToolUse(ctx context.Context, toolUseID string, verdict PermissionVerdict) error
	// Interrupt asks the agent to stop at the next safe point.
	Interrupt(ctx context.Context) error
	// Disconnect releases the subprocess/session.
	Disconnect() error
}

// RealClient drives the agent binary (CLAUDE_CODE_PATH) as a
// subprocess, exchanging newline-delimited JSON messages over
// stdin/stdout.
type RealClient struct {
	binaryPath string
	args       []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

// NewRealClient constructs a Client that spawns binaryPath with args.
func NewRealClient(binaryPath string, args ...string) *RealClient {
	return &RealClient{binaryPath: binaryPath, args: args}
}

func (c *RealClient) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.binaryPath, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("driver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("driver: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("driver: start agent: %w", err)
	}
	c.cmd, c.stdin = cmd, stdin
	c.stdout = bufio.NewScanner(stdout)
	c.stdout.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return nil
}

func (c *RealClient) Query(ctx context.Context, prompt string) error {
	line, err := json.Marshal(map[string]any{"type": "query", "prompt": prompt})
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(line, '\n'))
	return err
}

func (c *RealClient) Messages(ctx context.Context) (Message, bool, error) {
	if !c.stdout.Scan() {
		if err := c.stdout.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return decodeWireMessage(c.stdout.Bytes())
}

func (c *RealClient) RespondToToolUse(ctx context.Context, toolUseID string, verdict PermissionVerdict) error {
	line, err := json.Marshal(map[string]any{
		"type":          "tool_permission_response",
		"tool_use_id":   toolUseID,
		"allow":         verdict.Allow,
		"updated_input": verdict.UpdatedInput,
		"deny_reason":   verdict.DenyReason,
	})
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(line, '\n'))
	return err
}

func (c *RealClient) Interrupt(ctx context.Context) error {
	line, _ := json.Marshal(map[string]any{"type": "interrupt"})
	_, err := c.stdin.Write(append(line, '\n'))
	return err
}

func (c *RealClient) Disconnect() error {
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		return c.cmd.Wait()
	}
	return nil
}

type wireMessage struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

func decodeWireMessage(line []byte) (Message, bool, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, false, fmt.Errorf("driver: decode wire message: %w", err)
	}
	switch strings.ToLower(w.Type) {
	case "system":
		var raw struct {
			Subtype string         `json:"subtype"`
			Data    map[string]any `json:"data"`
		}
		if len(w.Data) > 0 {
			_ = json.Unmarshal(w.Data, &raw)
		}
		return SystemMessage{Subtype: raw.Subtype, Data: raw.Data}, true, nil
	case "assistant":
		var raw struct {
			Parts []rawPart `json:"parts"`
		}
		if err := json.Unmarshal(w.Data, &raw); err != nil {
			return nil, false, err
		}
		return AssistantMessage{Parts: decodeParts(raw.Parts)}, true, nil
	case "user":
		var raw struct {
			Parts []rawPart `json:"parts"`
		}
		if err := json.Unmarshal(w.Data, &raw); err != nil {
			return nil, false, err
		}
		return UserMessage{Parts: decodeParts(raw.Parts)}, true, nil
	case "result":
		var raw struct {
			SessionID    string         `json:"session_id"`
			IsError      bool           `json:"is_error"`
			NumTurns     int            `json:"num_turns"`
			DurationMs   int64          `json:"duration_ms"`
			TotalCostUSD float64        `json:"total_cost_usd"`
			Usage        map[string]any `json:"usage"`
			Result       string         `json:"result"`
		}
		if err := json.Unmarshal(w.Data, &raw); err != nil {
			return nil, false, err
		}
		return ResultMessage{
			SessionID:    raw.SessionID,
			IsError:      raw.IsError,
			NumTurns:     raw.NumTurns,
			DurationMs:   raw.DurationMs,
			TotalCostUSD: raw.TotalCostUSD,
			Usage:        raw.Usage,
			Result:       raw.Result,
		}, true, nil
	default:
		return nil, false, fmt.Errorf("driver: unknown message type %q", w.Type)
	}
}

type rawPart struct {
	Kind      string         `json:"kind"`
	Text      string         `json:"text"`
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Content   string         `json:"content"`
	IsError   bool           `json:"is_error"`
}

func decodeParts(raw []rawPart) []Part {
	parts := make([]Part, 0, len(raw))
	for _, p := range raw {
		switch p.Kind {
		case "tool_use":
			parts = append(parts, ToolUsePart{ToolUseID: p.ToolUseID, Name: p.Name, Input: p.Input})
		case "tool_result":
			parts = append(parts, ToolResultPart{ToolUseID: p.ToolUseID, Content: p.Content, IsError: p.IsError})
		default:
			parts = append(parts, TextPart{Text: p.Text})
		}
	}
	return parts
}
