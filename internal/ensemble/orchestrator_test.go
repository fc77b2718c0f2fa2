package ensemble

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/cache"
	"github.com/vasic-digital/ensemblegateway/internal/calibration"
	"github.com/vasic-digital/ensemblegateway/internal/embedding"
	"github.com/vasic-digital/ensemblegateway/internal/gwerrors"
	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/providerclient"
	"github.com/vasic-digital/ensemblegateway/internal/validation"
	"github.com/vasic-digital/ensemblegateway/internal/votehistory"
)

func fakeClient(role, content string, confidence float64, fail bool) *providerclient.Client {
	spec := providerclient.Spec{Role: role, Provider: "fake", Model: "fake-model"}
	return providerclient.NewWithInvoker(spec, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		if fail {
			return "", 0, 0, 0, errors.New("upstream unavailable")
		}
		return content, 10, 20, confidence, nil
	})
}

func baseConfig(providers ...*providerclient.Client) Config {
	return Config{
		Providers:       providers,
		Cache:           cache.New(cache.DefaultConfig(), nil),
		Calibration:     calibration.New(nil, func(error) {}),
		Embeddings:      embedding.New(100, nil),
		History:         votehistory.New(),
		ValidationLevel: validation.LevelLenient,
	}
}

func TestRunReturnsWinnerWhenAllProvidersFulfill(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "A cache stores recently used values to speed up lookups, for example an LRU cache.", 0.8, false),
		fakeClient("turbo", "Caching trades memory for latency. In summary it avoids recomputation.", 0.7, false),
	}
	orch := New(baseConfig(providers...))

	result, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Vote.WinnerRole)
	assert.Len(t, result.Roles, 2)
	assert.Equal(t, "corr-1", result.CorrelationID)
}

func TestRunReturnsNoProvidersRespondedWhenAllFail(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "", 0, true),
		fakeClient("turbo", "", 0, true),
	}
	orch := New(baseConfig(providers...))

	_, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-2"})
	require.Error(t, err)
	var npr *gwerrors.NoProvidersResponded
	assert.ErrorAs(t, err, &npr)
}

func TestRunToleratesPartialFailure(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "A cache stores recently used values to avoid recomputation.", 0.8, false),
		fakeClient("turbo", "", 0, true),
	}
	orch := New(baseConfig(providers...))

	result, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-3"})
	require.NoError(t, err)
	assert.Equal(t, "opus", result.Vote.WinnerRole)
	assert.Contains(t, result.Diagnostics.TimedOutRoles, "turbo")
}

func TestRunServesFromCacheOnSecondCall(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "A cache stores recently used values to avoid recomputation.", 0.8, false),
	}
	cfg := baseConfig(providers...)
	orch := New(cfg)
	prompt := gwtypes.Prompt{Text: "explain caching behavior in depth", Tier: gwtypes.TierFree, CorrelationID: "corr-4"}

	first, err := orch.Run(context.Background(), prompt)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := orch.Run(context.Background(), prompt)
	require.NoError(t, err)
	assert.True(t, second.Cached)
}

func TestRunRetriesFastestProviderAfterZeroFulfilled(t *testing.T) {
	var calls int
	spec := providerclient.Spec{Role: "opus", Provider: "fake", Model: "fake-model"}
	client := providerclient.NewWithInvoker(spec, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		calls++
		if calls == 1 {
			return "", 0, 0, 0, errors.New("upstream unavailable")
		}
		return "A cache stores recently used values to avoid recomputation and speed up lookups.", 10, 20, 0.8, nil
	})
	orch := New(baseConfig(client))

	result, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-retry"})
	require.NoError(t, err)
	assert.Equal(t, "opus", result.Vote.WinnerRole)
	assert.Equal(t, 2, calls)
}

func TestRunStillFailsWhenRetryAlsoFails(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "", 0, true),
		fakeClient("turbo", "", 0, true),
	}
	orch := New(baseConfig(providers...))

	_, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-retry-fail"})
	require.Error(t, err)
	var npr *gwerrors.NoProvidersResponded
	assert.ErrorAs(t, err, &npr)
}

func TestProviderLatencyStatsFastestPrefersLowerMean(t *testing.T) {
	stats := newProviderLatencyStats()
	stats.record("slow", 500)
	stats.record("fast", 50)

	slow := providerclient.New(providerclient.Spec{Role: "slow"})
	fast := providerclient.New(providerclient.Spec{Role: "fast"})

	got := stats.fastest([]*providerclient.Client{slow, fast})
	assert.Equal(t, "fast", got.Spec().Role)
}

func TestProviderLatencyStatsFastestDefaultsToFirstWithNoHistory(t *testing.T) {
	stats := newProviderLatencyStats()
	a := providerclient.New(providerclient.Spec{Role: "a"})
	b := providerclient.New(providerclient.Spec{Role: "b"})

	got := stats.fastest([]*providerclient.Client{a, b})
	assert.Equal(t, "a", got.Spec().Role)
}

func TestReQueryEnrichedBuildsDifferentPromptAndRevotes(t *testing.T) {
	var gotPrompt string
	spec := providerclient.Spec{Role: "opus", Provider: "fake", Model: "fake-model"}
	client := providerclient.NewWithInvoker(spec, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		gotPrompt = prompt
		return "A cache stores recently used values to avoid recomputation and speed up lookups.", 10, 20, 0.8, nil
	})
	orch := New(baseConfig(client))

	result, ok := orch.reQueryEnriched(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree})
	require.True(t, ok)
	assert.Contains(t, gotPrompt, "what is a cache?")
	assert.NotEqual(t, "what is a cache?", gotPrompt)
	assert.Equal(t, "opus", result.outcome.WinnerRole)
}

func TestReQueryEnrichedReturnsFalseWhenAllFail(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "", 0, true),
	}
	orch := New(baseConfig(providers...))

	_, ok := orch.reQueryEnriched(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree})
	assert.False(t, ok)
}

func TestRemoveRoleDropsOnlyMatchingRole(t *testing.T) {
	roles := []string{"opus", "turbo", "nova"}
	got := removeRole(roles, "turbo")
	assert.Equal(t, []string{"opus", "nova"}, got)
}

func TestRunAppendsVotingHistoryOnWin(t *testing.T) {
	providers := []*providerclient.Client{
		fakeClient("opus", "A cache stores recently used values to avoid recomputation and speed up lookups.", 0.9, false),
	}
	cfg := baseConfig(providers...)
	orch := New(cfg)

	_, err := orch.Run(context.Background(), gwtypes.Prompt{Text: "what is a cache?", Tier: gwtypes.TierFree, CorrelationID: "corr-5"})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.History.Records())
}
