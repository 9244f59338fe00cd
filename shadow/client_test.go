package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRetryDelaySequence(t *testing.T) {
	settings := DefaultReconnectingClientSettings()
	settings.BaseDelay = 100 * time.Millisecond
	settings.GrowthFactor = 1.5

	assert.Equal(t, 100*time.Millisecond, retryDelay(settings, 0))
	assert.Equal(t, 150*time.Millisecond, retryDelay(settings, 1))
	assert.Equal(t, 225*time.Millisecond, retryDelay(settings, 2))
	assert.Equal(t, 337500*time.Microsecond, retryDelay(settings, 3))
	assert.Equal(t, 506250*time.Microsecond, retryDelay(settings, 4))
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultReconnectingClientSettings()
	settings.BaseDelay = time.Millisecond
	settings.MaxAttempts = 2
	settings.WsHandshakeTimeout = 200 * time.Millisecond

	// nothing listens here
	client := NewReconnectingClient(cancelCtx, "ws://127.0.0.1:1/ws", &ClientAuth{}, settings)
	defer client.Close()

	mutex := sync.Mutex{}
	states := []ClientState{}
	gaveUp := make(chan struct{})
	client.AddStateCallback(func(state ClientState) {
		mutex.Lock()
		states = append(states, state)
		mutex.Unlock()
		if state == ClientStateGaveUp {
			close(gaveUp)
		}
	})

	client.Start()

	select {
	case <-gaveUp:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not give up")
	}

	assert.Equal(t, ClientStateGaveUp, client.State())
	terminalErr, ok := client.TerminalErr().(*MaxRetriesExceededError)
	assert.Equal(t, true, ok)
	assert.Equal(t, settings.MaxAttempts, terminalErr.Attempts)

	// initial attempt plus MaxAttempts retries, then no further attempts
	mutex.Lock()
	connectingCount := 0
	for _, state := range states {
		if state == ClientStateConnecting {
			connectingCount += 1
		}
	}
	stateCount := len(states)
	mutex.Unlock()
	assert.Equal(t, settings.MaxAttempts+1, connectingCount)

	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	assert.Equal(t, stateCount, len(states))
	mutex.Unlock()
	assert.Equal(t, ClientStateGaveUp, client.State())
}

func TestClientSubscribeWhileDisconnectedIsRecorded(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultReconnectingClientSettings()
	settings.BaseDelay = 10 * time.Millisecond
	settings.MaxAttempts = 1000

	client := NewReconnectingClient(cancelCtx, "ws://127.0.0.1:1/ws", &ClientAuth{}, settings)
	defer client.Close()

	err := client.Subscribe(context.Background(), "wh-001")
	assert.Equal(t, nil, err)
	err = client.Subscribe(context.Background(), "wh-002")
	assert.Equal(t, nil, err)

	watched := client.WatchedDevices()
	assert.Equal(t, 2, len(watched))
}

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "disconnected", ClientStateDisconnected.String())
	assert.Equal(t, "gave_up", ClientStateGaveUp.String())
}
