package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebridge/relay/internal/registry"
)

func newTestService() *Service {
	return New(registry.New(), WithBlockingTimeout(200*time.Millisecond), WithSessionTTL(2*time.Second))
}

func TestSenderFirstMatch(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	var initSess, listenSess *registry.Session
	var initErr, listenErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		initSess, initErr = s.Initiate(ctx, "A", "B", "f", 100, "sig", "hash")
	}()

	time.Sleep(20 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		listenSess, listenErr = s.Listen(ctx, "B")
	}()

	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, listenErr)
	require.NotNil(t, initSess)
	require.NotNil(t, listenSess)
	assert.Equal(t, initSess.ID, listenSess.ID)
	assert.Equal(t, registry.StatusMatched, initSess.Status)
}

func TestReceiverFirstMatch(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	var initSess, listenSess *registry.Session
	var initErr, listenErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		listenSess, listenErr = s.Listen(ctx, "B")
	}()

	time.Sleep(20 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		initSess, initErr = s.Initiate(ctx, "A", "B", "f", 100, "sig", "hash")
	}()

	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, listenErr)
	assert.Equal(t, initSess.ID, listenSess.ID)
	assert.Equal(t, registry.StatusMatched, listenSess.Status)
}

func TestInitiateTimesOutWithoutListen(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	start := time.Now()
	sess, err := s.Initiate(ctx, "A", "B", "f", 100, "sig", "hash")
	elapsed := time.Since(start)

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestInitiateBadRequest(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	sess, err := s.Initiate(ctx, "", "B", "f", 100, "sig", "hash")
	assert.Nil(t, sess)
	var invalid *InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "senderFp", invalid.Field)
}

func TestListenSecondConflict(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Listen(ctx, "B")
	}()

	time.Sleep(20 * time.Millisecond)

	_, err := s.Listen(ctx, "B")
	assert.ErrorIs(t, err, ErrConflict)

	<-done
}

func TestListenBadRequest(t *testing.T) {
	s := newTestService()
	sess, err := s.Listen(context.Background(), "")
	assert.Nil(t, sess)
	var invalid *InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "receiverFp", invalid.Field)
}
