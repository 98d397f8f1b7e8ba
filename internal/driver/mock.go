package driver

import (
	"context"
	"fmt"
	"sync"
)

// MockScenario is a canned message stream a MockClient replays for tests
// and CLAUDE_MOCK_SCENARIO-driven demo runs. Messages play until the
// stream pauses on an AskUserQuestion tool use; Continuation plays only
// after the driver allows that tool use with the human's answers.
type MockScenario struct {
	Name         string
	Messages     []Message
	Continuation []Message
}

// successScenario: the agent explores, makes an edit, and reports a PR.
func successScenario() MockScenario {
	return MockScenario{
		Name: "success",
		Messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{Parts: []Part{
				TextPart{Text: "Let me analyze the task and explore the codebase."},
				ToolUsePart{ToolUseID: "toolu_mock_glob", Name: "Glob", Input: map[string]any{"pattern": "**/*.go"}},
			}},
			UserMessage{Parts: []Part{ToolResultPart{ToolUseID: "toolu_mock_glob", Content: "main.go\nmain_test.go"}}},
			AssistantMessage{Parts: []Part{
				ToolUsePart{ToolUseID: "toolu_mock_edit", Name: "Edit", Input: map[string]any{"file_path": "main.go"}},
			}},
			UserMessage{Parts: []Part{ToolResultPart{ToolUseID: "toolu_mock_edit", Content: "ok"}}},
			AssistantMessage{Parts: []Part{
				TextPart{Text: "Updated the main module and opened https://github.com/acme/widgets/pull/42"},
			}},
			ResultMessage{SessionID: "mock_success", NumTurns: 3, DurationMs: 1500, TotalCostUSD: 0.05},
		},
	}
}

// askUserQuestionScenario: the agent explores, then pauses on a single
// AskUserQuestion call batching two questions. The continuation — the
// implementation spec written from the human's answers — plays only
// once the driver resumes the tool with those answers.
func askUserQuestionScenario() MockScenario {
	return MockScenario{
		Name: "ask_user_question",
		Messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{Parts: []Part{
				TextPart{Text: "Let me explore the codebase first."},
				ToolUsePart{ToolUseID: "toolu_mock_explore", Name: "Glob", Input: map[string]any{"pattern": "**/*.go"}},
			}},
			UserMessage{Parts: []Part{ToolResultPart{ToolUseID: "toolu_mock_explore", Content: "main.go\nstore.go"}}},
			AssistantMessage{Parts: []Part{
				TextPart{Text: "I have some questions before proceeding with the implementation."},
				ToolUsePart{
					ToolUseID: "toolu_mock_ask",
					Name:      "AskUserQuestion",
					Input: map[string]any{
						"questions": []any{
							map[string]any{
								"question": "Which database should I use for storing user data?",
								"header":   "Database",
								"options": []any{
									map[string]any{"label": "PostgreSQL", "description": "Relational database with strong consistency"},
									map[string]any{"label": "MongoDB", "description": "Document database with flexible schema"},
									map[string]any{"label": "SQLite", "description": "Lightweight file-based database"},
								},
								"multiSelect": false,
							},
							map[string]any{
								"question": "Should the API require authentication?",
								"header":   "Auth",
								"options": []any{
									map[string]any{"label": "Yes, JWT tokens", "description": "Secure with JSON Web Tokens"},
									map[string]any{"label": "Yes, API keys", "description": "Simple API key authentication"},
									map[string]any{"label": "No auth needed", "description": "Public API"},
								},
								"multiSelect": false,
							},
						},
					},
				},
			}},
		},
		Continuation: []Message{
			AssistantMessage{Parts: []Part{
				TextPart{Text: "Thank you for the clarifications! Based on your answers, here's my implementation spec:\n\n## Summary\nI will implement the feature using the database and authentication approach you specified."},
			}},
			ResultMessage{SessionID: "mock_ask_user", NumTurns: 4, DurationMs: 2000, TotalCostUSD: 0.08},
		},
	}
}

// errorScenario: the subprocess reports a failed run.
func errorScenario() MockScenario {
	return MockScenario{
		Name: "error",
		Messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{Parts: []Part{TextPart{Text: "Let me check the repository."}}},
			ResultMessage{SessionID: "mock_error", IsError: true, NumTurns: 1, Result: "agent crashed"},
		},
	}
}

// MockScenarios is the registry of canned scenarios; "needs_human" is an
// alias for "ask_user_question".
var MockScenarios = map[string]func() MockScenario{
	"success":           successScenario,
	"ask_user_question": askUserQuestionScenario,
	"needs_human":       askUserQuestionScenario,
	"error":             errorScenario,
}

// MockClient replays a MockScenario as a Client.
type MockClient struct {
	mu          sync.Mutex
	scenario    MockScenario
	idx         int
	resumed     bool
	interrupted bool
	verdicts    map[string]PermissionVerdict
}

// NewMockClient builds a MockClient for the named scenario. Returns an
// error if name is not in MockScenarios.
func NewMockClient(name string) (*MockClient, error) {
	factory, ok := MockScenarios[name]
	if !ok {
		return nil, fmt.Errorf("driver: unknown mock scenario %q", name)
	}
	return &MockClient{scenario: factory(), verdicts: map[string]PermissionVerdict{}}, nil
}

func (m *MockClient) Connect(ctx context.Context) error { return nil }

func (m *MockClient) Query(ctx context.Context, prompt string) error { return nil }

func (m *MockClient) Messages(ctx context.Context) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interrupted {
		return nil, false, nil
	}
	if m.idx < len(m.scenario.Messages) {
		msg := m.scenario.Messages[m.idx]
		m.idx++
		return msg, true, nil
	}
	if m.resumed {
		cont := m.idx - len(m.scenario.Messages)
		if cont < len(m.scenario.Continuation) {
			msg := m.scenario.Continuation[cont]
			m.idx++
			return msg, true, nil
		}
	}
	return nil, false, nil
}

// RespondToToolUse records the verdict; an Allow unlocks the scenario's
// continuation messages, the way the real agent proceeds once its
// questions are answered.
func (m *MockClient) RespondToToolUse(ctx context.Context, toolUseID string, verdict PermissionVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts[toolUseID] = verdict
	if verdict.Allow {
		m.resumed = true
	}
	return nil
}

func (m *MockClient) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = true
	return nil
}

func (m *MockClient) Disconnect() error { return nil }

// Verdict returns the recorded permission verdict for toolUseID, for
// tests asserting on the resume payload.
func (m *MockClient) Verdict(toolUseID string) (PermissionVerdict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verdicts[toolUseID]
	return v, ok
}
