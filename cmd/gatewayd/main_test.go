package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/providerclient"
	"github.com/vasic-digital/ensemblegateway/internal/tierconfig"
)

func TestBuildProviderClientsOnePerRole(t *testing.T) {
	tier := tierconfig.TierSpec{
		Providers: []tierconfig.ProviderSpec{
			{Role: "opus", Name: "anthropic", Model: "claude-opus-4", DeadlineMs: 1000},
			{Role: "turbo", Name: "openai", Model: "gpt-4o", DeadlineMs: 2000},
		},
	}

	clients := buildProviderClients(tier)
	require.Len(t, clients, 2)
	assert.Equal(t, "opus", clients[0].Spec().Role)
	assert.Equal(t, "turbo", clients[1].Spec().Role)
}

func TestBuildProviderClientsEmptyRoster(t *testing.T) {
	clients := buildProviderClients(tierconfig.TierSpec{})
	assert.Empty(t, clients)
}

func TestEnvOrFallsBackWhenUnset(t *testing.T) {
	assert.Equal(t, "fallback", envOr("ENSEMBLEGATEWAY_TEST_UNSET_VAR", "fallback"))

	t.Setenv("ENSEMBLEGATEWAY_TEST_SET_VAR", "actual")
	assert.Equal(t, "actual", envOr("ENSEMBLEGATEWAY_TEST_SET_VAR", "fallback"))
}

func TestRequestLoggerModeTracksDebugFlag(t *testing.T) {
	original := *debug
	defer func() { *debug = original }()

	*debug = true
	assert.Equal(t, "debug", requestLoggerMode())

	*debug = false
	assert.Equal(t, "release", requestLoggerMode())
}

func TestEstimateCostUsesTierRoster(t *testing.T) {
	gw := &Gateway{
		tiers: mustTierStore(t, tierconfig.Document{
			Tiers: map[gwtypes.Tier]tierconfig.TierSpec{
				gwtypes.TierFree: {
					Providers: []tierconfig.ProviderSpec{
						{Role: "nova", CostPer1kInput: 0.1, CostPer1kOutput: 0.1},
					},
				},
			},
		}),
	}

	estimates := gw.EstimateCost(gwtypes.TierFree, 200)
	require.Len(t, estimates, 1)
	assert.Equal(t, "nova", estimates[0].Role)
	assert.Greater(t, estimates[0].TotalCostEstimate, 0.0)
}

func TestFindProviderClientMatchesByRole(t *testing.T) {
	clients := buildProviderClients(tierconfig.TierSpec{
		Providers: []tierconfig.ProviderSpec{
			{Role: "opus", Model: "claude-opus-4"},
			{Role: "turbo", Model: "gpt-4o-mini"},
		},
	})

	got := findProviderClient(clients, "turbo")
	require.NotNil(t, got)
	assert.Equal(t, "turbo", got.Spec().Role)

	assert.Nil(t, findProviderClient(clients, "missing"))
	assert.Nil(t, findProviderClient(clients, ""))
}

func TestFindProviderClientByModelMatchesByModel(t *testing.T) {
	clients := buildProviderClients(tierconfig.TierSpec{
		Providers: []tierconfig.ProviderSpec{
			{Role: "opus", Model: "claude-opus-4"},
			{Role: "turbo", Model: "gpt-4o-mini"},
		},
	})

	got := findProviderClientByModel(clients, "gpt-4o-mini")
	require.NotNil(t, got)
	assert.Equal(t, "turbo", got.Spec().Role)

	assert.Nil(t, findProviderClientByModel(clients, "no-such-model"))
	assert.Nil(t, findProviderClientByModel(clients, ""))
}

func TestProviderCallFuncReturnsContentOnFulfilled(t *testing.T) {
	client := providerclient.NewWithInvoker(providerclient.Spec{Role: "opus"}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		return "synthesized text", 10, 20, 0.9, nil
	})

	call := providerCallFunc(client)
	text, err := call(context.Background(), "some prompt")
	require.NoError(t, err)
	assert.Equal(t, "synthesized text", text)
}

func TestProviderCallFuncReturnsErrorOnRejection(t *testing.T) {
	client := providerclient.NewWithInvoker(providerclient.Spec{Role: "opus"}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		return "", 0, 0, 0, assert.AnError
	})

	call := providerCallFunc(client)
	_, err := call(context.Background(), "some prompt")
	assert.Error(t, err)
}

func mustTierStore(t *testing.T, doc tierconfig.Document) *tierconfig.Store {
	t.Helper()
	return tierconfig.NewForTesting(doc)
}
