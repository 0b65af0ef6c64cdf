package multi_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	. "github.com/aptpod/routerlink-go/transport/multi"
)

func runEngine(t *testing.T, e *Engine) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			stop()
			err = <-done
		})
		return err
	}
}

func TestEngine_ExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	const perBranch = 200
	kinds := transport.Kinds()
	engines := make([]*fakeEngine, len(kinds))
	branches := make([]Branch, len(kinds))
	for i, k := range kinds {
		engines[i] = newFakeEngine()
		branches[i] = Branch{Kind: k, Engine: engines[i]}
	}
	rec := &recorder{}
	e := NewEngine(branches, rec, EngineConfig{})
	stop := runEngine(t, e)

	senders := make([]router.Hash, len(kinds))
	var wg sync.WaitGroup
	for i := range kinds {
		i := i
		senders[i] = router.Hash{byte(i + 1)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perBranch; n++ {
				if rand.Intn(10) == 0 {
					time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
				}
				engines[i].inject(senders[i], &message.Message{Type: message.TypeData, ID: uint32(n)})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.len() == perBranch*len(kinds) }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := map[router.Hash]uint32{}
	for i, msg := range rec.msgs {
		from := rec.from[i]
		assert.Equal(t, next[from], msg.ID, "messages from %s out of order", from.Short())
		next[from] = msg.ID + 1
	}
	for _, s := range senders {
		assert.Equal(t, uint32(perBranch), next[s])
	}
}

func TestEngine_RestartsFailedBranch(t *testing.T) {
	defer goleak.VerifyNone(t)

	flaky, healthy := newFakeEngine(), newFakeEngine()
	flaky.fails = 2
	rec := &recorder{}
	e := NewEngine([]Branch{
		{Kind: transport.KindWebSocket, Engine: flaky},
		{Kind: transport.KindNoise, Engine: healthy},
	}, rec, EngineConfig{
		Supervisor: SupervisorConfig{MaxRestarts: 3, BaseInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	stop := runEngine(t, e)

	healthy.inject(router.Hash{2}, message.New(message.TypeData, nil))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return e.Status()[transport.KindWebSocket] == BranchRunning }, time.Second, time.Millisecond)
	flaky.inject(router.Hash{1}, message.New(message.TypeData, nil))
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, flaky.recvCalls(), 3)

	require.NoError(t, stop())
	assert.Equal(t, map[transport.Kind]BranchStatus{
		transport.KindWebSocket: BranchStopped,
		transport.KindNoise:     BranchStopped,
	}, e.Status())
}

func TestEngine_RestartKeepsServerRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	flaky := &servingEngine{fakeEngine: newFakeEngine()}
	flaky.fails = 2
	rec := &recorder{}
	e := NewEngine([]Branch{{Kind: transport.KindNoise, Engine: flaky}}, rec, EngineConfig{
		Supervisor: SupervisorConfig{MaxRestarts: 3, BaseInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	stop := runEngine(t, e)

	require.Eventually(t, func() bool { return flaky.recvCalls() >= 3 }, time.Second, time.Millisecond)
	flaky.inject(router.Hash{1}, message.New(message.TypeData, nil))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, BranchRunning, e.Status()[transport.KindNoise])
	assert.Equal(t, 1, flaky.serves.load())

	require.NoError(t, stop())
	assert.Equal(t, BranchStopped, e.Status()[transport.KindNoise])
	_, err := flaky.Recv(context.Background())
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
}

func TestEngine_OneBranchDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken, healthy := newFakeEngine(), newFakeEngine()
	broken.fails = 100
	rec := &recorder{}
	e := NewEngine([]Branch{
		{Kind: transport.KindWebSocket, Engine: broken},
		{Kind: transport.KindNoise, Engine: healthy},
	}, rec, EngineConfig{
		Supervisor: SupervisorConfig{MaxRestarts: 1, BaseInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	stop := runEngine(t, e)

	require.Eventually(t, func() bool { return e.Status()[transport.KindWebSocket] == BranchDown }, time.Second, time.Millisecond)
	assert.Equal(t, 2, broken.recvCalls())

	healthy.inject(router.Hash{2}, message.New(message.TypeData, nil))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, stop())
}

func TestEngine_AllBranchesDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := newFakeEngine(), newFakeEngine()
	a.fails = 100
	b.Close()
	e := NewEngine([]Branch{
		{Kind: transport.KindWebSocket, Engine: a},
		{Kind: transport.KindNoise, Engine: b},
	}, &recorder{}, EngineConfig{
		Supervisor: SupervisorConfig{MaxRestarts: 2, BaseInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)
	require.ErrorIs(t, err, errors.ErrAllTransportsDown)
	assert.ErrorIs(t, err, errFake)
	assert.ErrorIs(t, err, errors.ErrEngineClosed)

	// closed engines are not restarted
	assert.Equal(t, 1, b.recvCalls())
	assert.Equal(t, 3, a.recvCalls())
	assert.Equal(t, BranchDown, e.Status()[transport.KindNoise])
}

func TestEngine_NoRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeEngine()
	a.fails = 1
	e := NewEngine([]Branch{{Kind: transport.KindQUIC, Engine: a}}, &recorder{}, EngineConfig{})

	err := e.Run(context.Background())
	require.ErrorIs(t, err, errors.ErrAllTransportsDown)
	assert.Equal(t, 1, a.recvCalls())
}

func TestEngine_RunTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEngine([]Branch{{Kind: transport.KindQUIC, Engine: newFakeEngine()}}, &recorder{}, EngineConfig{})
	stop := runEngine(t, e)
	require.Eventually(t, func() bool { return e.Status()[transport.KindQUIC] == BranchRunning }, time.Second, time.Millisecond)

	assert.ErrorIs(t, e.Run(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, stop())
}

func TestBranchStatus_String(t *testing.T) {
	assert.Equal(t, "Running", BranchRunning.String())
	assert.Equal(t, "Down", BranchDown.String())
	assert.Equal(t, "UnknownStatus(42)", BranchStatus(42).String())
}
