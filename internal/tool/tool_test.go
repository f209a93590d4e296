package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
)

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry(logger.Default())
	assert.Equal(t, []string{"claude-code", "codex", "gemini", "opencode"}, r.Names())

	tool, err := r.Get("claude-code")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", tool.Name())

	_, err = r.Get("copilot")
	require.Error(t, err)
}

func TestPermissionModeSubsetRejection(t *testing.T) {
	codex := NewCodex(logger.Default())

	// plan belongs to claude-code's subset, not codex's.
	_, err := codex.ExecutePrompt(context.Background(), &ExecuteRequest{
		SessionID:      "s-1",
		TaskID:         "t-1",
		Prompt:         "hello",
		PermissionMode: "plan",
	}, nil)
	require.Error(t, err)

	var failure *ToolFailure
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Transient)
}

func TestValidatePermissionModeEmptyAlwaysPasses(t *testing.T) {
	for _, tool := range []Tool{
		NewClaudeCode(logger.Default()),
		NewCodex(logger.Default()),
		NewGemini(logger.Default()),
		NewOpenCode(logger.Default()),
	} {
		assert.NoError(t, ValidatePermissionMode(tool, ""), tool.Name())
	}
}

func codexRawJSON(t *testing.T, input, cached, output int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"thread_id": "thr-1",
		"model":     "gpt-5",
		"cumulative": map[string]int64{
			"input_tokens":        input,
			"cached_input_tokens": cached,
			"output_tokens":       output,
		},
	})
	require.NoError(t, err)
	return raw
}

func TestCodexNormalizeFirstTurnIsVerbatim(t *testing.T) {
	codex := NewCodex(logger.Default())

	n, err := codex.Normalize(codexRawJSON(t, 1500, 0, 800), NormalizeContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), n.TokenUsage.Input)
	assert.Equal(t, int64(800), n.TokenUsage.Output)
	assert.Equal(t, "gpt-5", n.PrimaryModel)
}

func TestCodexNormalizeDeltasAgainstPreviousTask(t *testing.T) {
	codex := NewCodex(logger.Default())

	prev, err := codex.CumulativeUsage(codexRawJSON(t, 1500, 0, 800))
	require.NoError(t, err)

	n, err := codex.Normalize(codexRawJSON(t, 2000, 0, 1000), NormalizeContext{PreviousCumulative: prev})
	require.NoError(t, err)
	assert.Equal(t, int64(500), n.TokenUsage.Input)
	assert.Equal(t, int64(200), n.TokenUsage.Output)
	assert.Equal(t, int64(700), n.TokenUsage.Total)
}

func TestCodexNormalizeRestartUsesCurrentVerbatim(t *testing.T) {
	codex := NewCodex(logger.Default())

	prev, err := codex.CumulativeUsage(codexRawJSON(t, 2000, 0, 1000))
	require.NoError(t, err)

	// The CLI restarted and reports a smaller cumulative figure.
	n, err := codex.Normalize(codexRawJSON(t, 500, 0, 200), NormalizeContext{PreviousCumulative: prev})
	require.NoError(t, err)
	assert.Equal(t, int64(500), n.TokenUsage.Input)
	assert.Equal(t, int64(200), n.TokenUsage.Output)
}

func TestCodexComputeContextWindow(t *testing.T) {
	codex := NewCodex(logger.Default())

	tokens, ok := codex.ComputeContextWindow(codexRawJSON(t, 2000, 300, 1000))
	require.True(t, ok)
	assert.Equal(t, int64(3300), tokens)
}

func TestClaudeNormalizePassesUsageThrough(t *testing.T) {
	claude := NewClaudeCode(logger.Default())

	raw := json.RawMessage(`{
		"type": "result",
		"duration_ms": 4200,
		"total_cost_usd": 0.12,
		"usage": {
			"input_tokens": 100,
			"output_tokens": 40,
			"cache_read_input_tokens": 900,
			"cache_creation_input_tokens": 50
		},
		"modelUsage": {"claude-sonnet-4-5": {"contextWindow": 200000}}
	}`)
	n, err := claude.Normalize(raw, NormalizeContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), n.TokenUsage.Input)
	assert.Equal(t, int64(1090), n.TokenUsage.Total)
	assert.Equal(t, "claude-sonnet-4-5", n.PrimaryModel)
	assert.Equal(t, int64(200000), n.ContextWindowLimit)
	assert.Equal(t, 0.12, n.CostUSD)
	assert.Equal(t, int64(4200), n.DurationMS)
}

func TestGeminiNormalizeAggregatesModels(t *testing.T) {
	gemini := NewGemini(logger.Default())

	raw := json.RawMessage(`{
		"response": "done",
		"stats": {"models": {"gemini-2.5-pro": {"tokens": {"prompt": 120, "candidates": 30, "cached": 10, "total": 160}}}}
	}`)
	n, err := gemini.Normalize(raw, NormalizeContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(120), n.TokenUsage.Input)
	assert.Equal(t, int64(160), n.TokenUsage.Total)
	assert.Equal(t, "gemini-2.5-pro", n.PrimaryModel)
}

func TestMockExecuteStreamsAndReportsUsage(t *testing.T) {
	m := NewMock("hello from mock")

	var chunks []string
	res, err := m.ExecutePrompt(context.Background(), &ExecuteRequest{
		SessionID: "s-1", TaskID: "t-1", Prompt: "write hello.txt",
	}, &Callbacks{
		OnStreamChunk: func(_, text string) { chunks = append(chunks, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello from mock"}, chunks)
	assert.Len(t, res.AssistantMessageIDs, 1)
	assert.Equal(t, int64(15), res.TokenUsage.Total)
	assert.Equal(t, []string{"write hello.txt"}, m.Prompts())
}

func TestMockStopReleasesBlockedTask(t *testing.T) {
	m := NewMock("slow")
	m.Block("t-1")

	done := make(chan *ExecuteResult, 1)
	go func() {
		res, err := m.ExecutePrompt(context.Background(), &ExecuteRequest{
			SessionID: "s-1", TaskID: "t-1", Prompt: "spin",
		}, nil)
		require.NoError(t, err)
		done <- res
	}()

	require.NoError(t, m.StopTask(context.Background(), "s-1", "t-1"))
	// Stopping again is a no-op.
	require.NoError(t, m.StopTask(context.Background(), "s-1", "t-1"))

	res := <-done
	assert.True(t, res.WasStopped)
}

func TestDeltaUsageNegativeCacheClamps(t *testing.T) {
	prev := &TokenUsage{Input: 100, Output: 50, CacheRead: 500}
	current := TokenUsage{Input: 200, Output: 80, CacheRead: 400}

	d := deltaUsage(current, prev)
	assert.Equal(t, int64(100), d.Input)
	assert.Equal(t, int64(0), d.CacheRead)
}
