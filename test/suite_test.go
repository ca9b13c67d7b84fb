package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/tether/pkg/dispatch"
	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/wire"
)

const (
	ordEcho = 1
	ordSink = 2
	ordTick = 3
)

// TransportFactory creates server and client transports for testing.
type TransportFactory interface {
	// CreateServerTransport creates a new server transport for testing.
	// The id parameter allows tests to use unique endpoints.
	CreateServerTransport(id int) rpc.ServerTransport
	// CreateClientTransport creates a new client transport for testing.
	CreateClientTransport(id int) rpc.ClientTransport
	// Name returns the transport name for test naming.
	Name() string
}

// SuiteConfig holds configuration for running the conformance suite.
type SuiteConfig struct {
	Factory      TransportFactory
	StartingID   int  // Starting port/ID for test isolation
	SkipOversize bool // Skip the oversized-frame test for transports with no hard limit
}

type echoService struct {
	events chan []byte
}

func newEchoService() *echoService {
	return &echoService{events: make(chan []byte, 16)}
}

func (s *echoService) table() *rpc.MethodTable {
	return rpc.NewMethodTable(rpc.MethodTableConfig{
		Protocol: "test.Echo",
		Methods: []rpc.MethodEntry{
			{
				Ordinal: ordEcho,
				Name:    "Echo",
				Func: func(ctx context.Context, req *rpc.Request, c *rpc.Completer) error {
					return c.Reply(req.Body)
				},
			},
			{
				Ordinal: ordSink,
				Name:    "Sink",
				Func: func(ctx context.Context, req *rpc.Request, c *rpc.Completer) error {
					s.events <- append([]byte(nil), req.Body...)
					return nil
				},
			},
		},
	})
}

func newSuiteDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	})
	return d
}

// startHost spins up a host on the factory transport and waits for the
// accept loop to come up before returning.
func startHost(t *testing.T, d *dispatch.Dispatcher, factory TransportFactory, id int, table *rpc.MethodTable) *rpc.Host {
	t.Helper()

	host := rpc.NewHost(rpc.HostConfig{
		Transport:  factory.CreateServerTransport(id),
		Dispatcher: d,
		Table:      table,
		ErrHandler: func(err error) {
			t.Logf("host error: %v", err)
		},
	})

	go func() {
		if err := host.ListenAndServe(); err != nil {
			t.Logf("host stopped: %v", err)
		}
	}()

	// Give the transport time to start listening
	time.Sleep(100 * time.Millisecond)

	return host
}

func dialClient(t *testing.T, d *dispatch.Dispatcher, factory TransportFactory, id int, conf rpc.ClientConfig) *rpc.Client {
	t.Helper()
	conf.Dispatcher = d
	client, err := rpc.Dial(factory.CreateClientTransport(id), conf)
	require.NoError(t, err)
	return client
}

// RunConformanceSuite runs the binding behavior tests every transport
// must pass.
func RunConformanceSuite(t *testing.T, config SuiteConfig) {
	id := config.StartingID

	t.Run("Echo", func(t *testing.T) {
		runEchoTest(t, config.Factory, id)
	})

	t.Run("Concurrency", func(t *testing.T) {
		runConcurrencyTest(t, config.Factory, id)
	})

	t.Run("OneWayAndEvents", func(t *testing.T) {
		runOneWayAndEventsTest(t, config.Factory, id)
	})

	t.Run("Epitaph", func(t *testing.T) {
		runEpitaphTest(t, config.Factory, id)
	})

	t.Run("GracefulShutdown", func(t *testing.T) {
		runGracefulShutdownTest(t, config.Factory, id)
	})

	t.Run("LargePayload", func(t *testing.T) {
		runLargePayloadTest(t, config.Factory, id)
	})

	if !config.SkipOversize {
		t.Run("OversizedFrame", func(t *testing.T) {
			runOversizedFrameTest(t, config.Factory, id)
		})
	}

	t.Run("SequentialRequests", func(t *testing.T) {
		runSequentialRequestsTest(t, config.Factory, id)
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		runEmptyPayloadTest(t, config.Factory, id)
	})
}

func runEchoTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})
	defer client.Unbind()

	for i := 0; i < 10; i++ {
		body := []byte(fmt.Sprintf("ping %d", i))
		resp, err := client.Call(context.Background(), ordEcho, 0, body)
		require.NoError(t, err)
		assert.Equal(t, body, resp.Body)
	}
}

func runConcurrencyTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})
	defer client.Unbind()

	const goroutines = 8
	const callsEach = 16

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*callsEach)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < callsEach; i++ {
				body := []byte(fmt.Sprintf("%d/%d", g, i))
				resp, err := client.Call(context.Background(), ordEcho, 0, body)
				if err != nil {
					errs <- err
					continue
				}
				if string(resp.Body) != string(body) {
					errs <- fmt.Errorf("reply %q for request %q", resp.Body, body)
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func runOneWayAndEventsTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()

	// bind the accepted connection directly so the test can push events
	tr := factory.CreateServerTransport(id)
	require.NoError(t, tr.Listen())
	defer tr.Close()

	serverCh := make(chan *rpc.ServerBinding, 1)
	go func() {
		conn, err := tr.Accept()
		if err != nil {
			return
		}
		serverCh <- rpc.BindServer(conn, rpc.ServerConfig{
			Dispatcher: d,
			Table:      svc.table(),
		})
	}()

	// Give the transport time to start listening
	time.Sleep(100 * time.Millisecond)

	eventCh := make(chan []byte, 1)
	events := rpc.NewMethodTable(rpc.MethodTableConfig{
		Protocol: "test.Echo",
		Methods: []rpc.MethodEntry{
			{
				Ordinal: ordTick,
				Name:    "OnTick",
				Func: func(ctx context.Context, req *rpc.Request, c *rpc.Completer) error {
					eventCh <- append([]byte(nil), req.Body...)
					return nil
				},
			},
		},
	})

	client := dialClient(t, d, factory, id, rpc.ClientConfig{Events: events})
	defer client.Unbind()

	require.NoError(t, client.Send(ordSink, 0, []byte("fire and forget")))

	select {
	case body := <-svc.events:
		assert.Equal(t, []byte("fire and forget"), body)
	case <-time.After(5 * time.Second):
		t.Fatal("one-way message never arrived")
	}

	var server *rpc.ServerBinding
	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer server.Unbind()

	require.NoError(t, server.SendEvent(ordTick, 0, []byte("tock")))

	select {
	case body := <-eventCh:
		assert.Equal(t, []byte("tock"), body)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func runEpitaphTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)

	table := rpc.NewMethodTable(rpc.MethodTableConfig{
		Protocol: "test.Echo",
		Methods: []rpc.MethodEntry{
			{
				Ordinal: ordEcho,
				Name:    "Reject",
				Func: func(ctx context.Context, req *rpc.Request, c *rpc.Completer) error {
					c.Close(wire.StatusBadState)
					return nil
				},
			},
		},
	})

	host := startHost(t, d, factory, id, table)
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	infoCh := make(chan rpc.UnbindInfo, 1)
	client := dialClient(t, d, factory, id, rpc.ClientConfig{
		OnUnbound: func(info rpc.UnbindInfo) { infoCh <- info },
	})

	_, err := client.Call(context.Background(), ordEcho, 0, []byte("go away"))
	require.ErrorIs(t, err, rpc.ErrUnbound)

	select {
	case info := <-infoCh:
		assert.Equal(t, rpc.UnbindInfo{Reason: rpc.ReasonPeerClosed, Status: wire.StatusBadState}, info)
	case <-time.After(5 * time.Second):
		t.Fatal("client never unbound")
	}
}

func runGracefulShutdownTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})

	_, err := client.Call(context.Background(), ordEcho, 0, []byte("warm up"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Shutdown(ctx))

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe shutdown")
	}

	info, ok := client.Info()
	require.True(t, ok)
	assert.Equal(t, rpc.ReasonPeerClosed, info.Reason)
}

func runLargePayloadTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})
	defer client.Unbind()

	sizes := []struct {
		name string
		size int
	}{
		{"1KB", 1024},
		{"16KB", 16 * 1024},
		{"48KB", 48 * 1024},
	}

	for _, tc := range sizes {
		t.Run(tc.name, func(t *testing.T) {
			body := make([]byte, tc.size)
			for i := range body {
				body[i] = byte(i)
			}
			resp, err := client.Call(context.Background(), ordEcho, 0, body)
			require.NoError(t, err)
			assert.Equal(t, body, resp.Body)
		})
	}
}

func runOversizedFrameTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		_ = host.Shutdown(context.Background())
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})

	// a frame past the wire limit must kill the binding, not wedge it
	body := make([]byte, wire.MaxMessageSize+1)
	_, err := client.Call(context.Background(), ordEcho, 0, body)
	require.Error(t, err)

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not unbind after oversized frame")
	}
}

func runSequentialRequestsTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})
	defer client.Unbind()

	count := 0
	for count < 10 {
		body := []byte(fmt.Sprintf("%d", count))
		resp, err := client.Call(context.Background(), ordEcho, 0, body)
		require.NoError(t, err)
		require.Equal(t, body, resp.Body)
		count++

		time.Sleep(10 * time.Millisecond)
	}
}

func runEmptyPayloadTest(t *testing.T, factory TransportFactory, id int) {
	d := newSuiteDispatcher(t)
	svc := newEchoService()
	host := startHost(t, d, factory, id, svc.table())
	defer func() {
		require.NoError(t, host.Shutdown(context.Background()))
	}()

	client := dialClient(t, d, factory, id, rpc.ClientConfig{})
	defer client.Unbind()

	resp, err := client.Call(context.Background(), ordEcho, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
}
