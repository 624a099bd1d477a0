package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/config"
	"github.com/banankicks/donutbets-render/internal/gameclient"
)

func testRecord() auth.Record {
	return auth.Record{
		LoginType: auth.LoginLegacyPassword,
		Fields: map[string]string{
			auth.FieldEmail:    "BotOne",
			auth.FieldPassword: "hunter2",
		},
	}
}

func testSupervisor(t *testing.T, d gameclient.Dialer, settings config.BotSettings) *Supervisor {
	t.Helper()
	return NewSupervisor(SupervisorConfig{
		Name:     "BotOne",
		Record:   testRecord(),
		Target:   config.ServerTarget{ID: "server1", Name: "Szerver 1", Port: 8080},
		GameHost: "donutsmp.net",
		GamePort: 25565,
		Settings: settings,
		Dialer:   d,
	})
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", s.State(), want)
}

func TestSupervisorStopsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		return nil, errors.New("dial refused")
	}}
	s := testSupervisor(t, dialer, config.BotSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelayMS:     5,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateStopped)

	require.Equal(t, 5, dialer.dialCount())
	require.Equal(t, uint(5), s.Attempts())
	require.Contains(t, s.LastError(), "dial refused")
}

func TestSupervisorRestartResetsAttempts(t *testing.T) {
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		return nil, errors.New("dial refused")
	}}
	s := testSupervisor(t, dialer, config.BotSettings{
		MaxReconnectAttempts: 2,
		ReconnectDelayMS:     5,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateStopped)
	require.Equal(t, uint(2), s.Attempts())

	// A fresh explicit start gets a clean attempt budget.
	require.NoError(t, s.Start())
	waitForState(t, s, StateStopped)
	require.Equal(t, uint(2), s.Attempts())
	require.Equal(t, 4, dialer.dialCount())
}

func TestSupervisorReconnectKeepsAttemptCounter(t *testing.T) {
	clients := make(chan *fakeClient, 2)
	dialer := &fakeDialer{onDial: func(_ context.Context, attempt int) (gameclient.Client, error) {
		c := spawnedClient()
		clients <- c
		return c, nil
	}}
	s := testSupervisor(t, dialer, config.BotSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelayMS:     5,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateActive)
	first := <-clients

	first.disconnect("end", "socket closed")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && dialer.dialCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, s, StateActive)

	require.Equal(t, 2, dialer.dialCount())
	require.Equal(t, uint(1), s.Attempts(), "successful reconnect must not reset the counter")
	require.Contains(t, s.LastError(), "socket closed")

	s.Stop()
	require.Equal(t, StateStopped, s.State())
	second := <-clients
	require.True(t, second.isClosed())
}

func TestSupervisorReconnectsOnStreamClose(t *testing.T) {
	clients := make(chan *fakeClient, 2)
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		c := spawnedClient()
		clients <- c
		return c, nil
	}}
	s := testSupervisor(t, dialer, config.BotSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelayMS:     5,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateActive)
	first := <-clients

	// Stream close without a terminal event must still end the session.
	require.NoError(t, first.Close())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && dialer.dialCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 2, dialer.dialCount(), "no reconnect after the stream closed")
	waitForState(t, s, StateActive)
	require.Equal(t, uint(1), s.Attempts())
	require.Contains(t, s.LastError(), "connection ended")

	s.Stop()
}

func TestSupervisorStopCancelsPendingConnect(t *testing.T) {
	dialer := &fakeDialer{onDial: func(ctx context.Context, _ int) (gameclient.Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := testSupervisor(t, dialer, config.BotSettings{MaxReconnectAttempts: 5})

	require.NoError(t, s.Start())
	waitForState(t, s, StateConnecting)

	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a connect was pending")
	}

	require.Equal(t, StateStopped, s.State())
	require.Equal(t, uint(0), s.Attempts())
}

func TestSupervisorStopDuringReconnectDelay(t *testing.T) {
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		return nil, errors.New("dial refused")
	}}
	s := testSupervisor(t, dialer, config.BotSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelayMS:     60_000,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateReconnectScheduled)

	start := time.Now()
	s.Stop()
	require.Less(t, time.Since(start), time.Second, "Stop must not wait out the reconnect delay")
	require.Equal(t, StateStopped, s.State())
	require.Equal(t, 1, dialer.dialCount())
}

func TestSupervisorStartWhileRunning(t *testing.T) {
	dialer := &fakeDialer{onDial: func(ctx context.Context, _ int) (gameclient.Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := testSupervisor(t, dialer, config.BotSettings{MaxReconnectAttempts: 5})

	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	s.Stop()
}

func TestSupervisorAuthPendingExhaustsWithoutDialing(t *testing.T) {
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		t.Error("dial must not be reached without resolved credentials")
		return nil, errors.New("unreachable")
	}}
	s := NewSupervisor(SupervisorConfig{
		Name:     "BotTwo",
		Record:   auth.Record{LoginType: auth.LoginAuthCode},
		Target:   config.ServerTarget{ID: "server1", Name: "Szerver 1", Port: 8080},
		Settings: config.BotSettings{MaxReconnectAttempts: 3, ReconnectDelayMS: 5},
		Dialer:   dialer,
	})

	require.NoError(t, s.Start())
	waitForState(t, s, StateStopped)

	require.Equal(t, 0, dialer.dialCount())
	require.Equal(t, uint(3), s.Attempts())
	require.Contains(t, s.LastError(), "authentication pending")
}

func TestSupervisorStopIdempotent(t *testing.T) {
	dialer := &fakeDialer{onDial: func(context.Context, int) (gameclient.Client, error) {
		return spawnedClient(), nil
	}}
	s := testSupervisor(t, dialer, config.BotSettings{MaxReconnectAttempts: 5})

	require.NoError(t, s.Start())
	waitForState(t, s, StateActive)

	s.Stop()
	s.Stop()
	require.Equal(t, StateStopped, s.State())
	require.Nil(t, s.Driver())
}
