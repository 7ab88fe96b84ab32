package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/limiter"
	"agentflow/pkg/utils"
)

func request(maxTokens int) llm.ChatRequest {
	req := llm.NewChatRequest([]msg.ChatMessage{msg.NewUser("what is 2+2")}, nil)
	req.MaxTokens = maxTokens
	return req
}

func TestEstimateTokens(t *testing.T) {
	counter := utils.DefaultCounter()
	req := request(100)
	assert.Equal(t, counter.CountMessages(req.Messages)+100, EstimateTokens(counter, &req))
}

func TestConcurrencyIsBounded(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	slow := llm.WrapClient(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return llm.ChatResponse{Content: "ok"}, nil
	}, func() string { return "m" })

	l := limiter.New("m", 0, 2)
	client := llm.Chain(slow, Middleware(l, nil, nil))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ChatCompletions(context.Background(), request(10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	_, active := l.Status()
	assert.Zero(t, active)
}

func TestExhaustedBucketWaitsForContext(t *testing.T) {
	base := llm.NewScriptedClient(llm.ScriptedStep{Response: llm.ChatResponse{Content: "ok"}})
	base.Repeat = true
	l := limiter.New("m", 1000, 0)
	client := llm.Chain(base, Middleware(l, nil, nil))

	_, err := client.ChatCompletions(context.Background(), request(990))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = client.ChatCompletions(ctx, request(990))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, base.Calls())
}

func TestNilLimiterIsPassThrough(t *testing.T) {
	base := llm.NewScriptedClient()
	assert.Same(t, base, Middleware(nil, nil, nil)(base))
}
