package providerclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func TestInvokeFulfilled(t *testing.T) {
	c := NewWithInvoker(Spec{Role: "nova", Deadline: time.Second}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		return "answer: " + prompt, 10, 20, 0.8, nil
	})

	resp := c.Invoke(context.Background(), "hello")
	assert.Equal(t, gwtypes.StatusFulfilled, resp.Status)
	assert.Equal(t, "answer: hello", resp.Content)
	assert.Equal(t, 0.8, resp.RawConfidence)
}

func TestInvokeHonorsDeadline(t *testing.T) {
	c := NewWithInvoker(Spec{Role: "slow", Deadline: 20 * time.Millisecond}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "too late", 0, 0, 0.5, nil
		case <-ctx.Done():
			return "", 0, 0, 0, ctx.Err()
		}
	})

	resp := c.Invoke(context.Background(), "hello")
	assert.Equal(t, gwtypes.StatusRejected, resp.Status)
	assert.Equal(t, gwtypes.RejectTimeout, resp.RejectReason)
}

func TestInvokeHonorsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewWithInvoker(Spec{Role: "cancelme", Deadline: time.Second}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		<-ctx.Done()
		return "", 0, 0, 0, ctx.Err()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	resp := c.Invoke(ctx, "hello")
	assert.Equal(t, gwtypes.StatusRejected, resp.Status)
	assert.Equal(t, gwtypes.RejectCancelled, resp.RejectReason)
}

func TestInvokeClampsConfidence(t *testing.T) {
	c := NewWithInvoker(Spec{Role: "over", Deadline: time.Second}, func(ctx context.Context, prompt string) (string, int, int, float64, error) {
		return "x", 1, 1, 1.5, nil
	})
	resp := c.Invoke(context.Background(), "hi")
	assert.Equal(t, 1.0, resp.RawConfidence)
}
