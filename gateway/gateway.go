// Package gateway serves the host operations over a JSON REST API and a persistent WebSocket event channel
// that share one HTTP(S) server.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/hostgateway/gateway/channel"
	"github.com/guseggert/hostgateway/gateway/host"
	"github.com/guseggert/hostgateway/internal/audit"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultListenAddr = "0.0.0.0:3004"

// Gateway is the HTTP server in front of the host services.
// With TLS configured it requires mTLS for both traffic encryption and authz.
type Gateway struct {
	logger *zap.SugaredLogger

	services *host.Services
	history  audit.Store
	channel  *channel.Server

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr      string
	monitorInterval time.Duration
	logLevel        *zapcore.Level

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	baseCtx    context.Context
	cancel     context.CancelFunc
	ready      chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

// WithLogLevel raises the minimum level the gateway logs at, regardless of the logger it is given.
func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logLevel = &l
	}
}

// WithTLS serves HTTPS and requires client certificates signed by the CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(g *Gateway) {
		g.caCertPEM = caCertPEM
		g.certPEM = certPEM
		g.keyPEM = keyPEM
	}
}

// WithHistory serves the execution history recorded in store at /api/history.
func WithHistory(store audit.Store) Option {
	return func(g *Gateway) {
		g.history = store
	}
}

// WithMonitorInterval sets the interval of channel monitoring sessions that don't ask for one.
func WithMonitorInterval(d time.Duration) Option {
	return func(g *Gateway) {
		g.monitorInterval = d
	}
}

func New(services *host.Services, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:     logger.Named("gateway").Sugar(),
		services:   services,
		listenAddr: DefaultListenAddr,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.logLevel != nil {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(*g.logLevel))
	}
	g.channel = &channel.Server{
		Log:      g.logger.Named("channel"),
		Services: services,
		Interval: g.monitorInterval,
	}
	g.baseCtx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Handler returns the router serving every route of the gateway.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.PanicHandler = g.panicHandler
	router.NotFound = http.HandlerFunc(g.notFound)

	router.GET("/ws", g.channelWS)
	router.GET("/api/status", g.status)
	router.GET("/api/current-directory", g.currentDirectory)
	router.GET("/api/history", g.executionHistory)

	router.GET("/api/linux/health", g.health)

	router.GET("/api/linux/system/info", g.result(g.systemInfo))
	router.GET("/api/linux/system/processes", g.result(g.processes))
	router.GET("/api/linux/system/load", g.result(g.systemLoad))
	router.GET("/api/linux/system/memory", g.result(g.memoryUsage))
	router.GET("/api/linux/system/cpu", g.result(g.cpuUsage))
	router.GET("/api/linux/system/temperature", g.result(g.temperature))

	router.GET("/api/linux/network/info", g.result(g.networkInfo))
	router.GET("/api/linux/network/ping/:host", g.result(g.ping))
	router.GET("/api/linux/network/traceroute/:host", g.result(g.traceroute))
	router.GET("/api/linux/network/ports", g.result(g.openPorts))

	router.GET("/api/linux/filesystem/usage", g.result(g.diskUsage))
	router.GET("/api/linux/filesystem/contents", g.result(g.directoryContents))
	router.GET("/api/linux/filesystem/find", g.result(g.findFiles))
	router.GET("/api/linux/filesystem/info", g.result(g.fileInfo))

	router.GET("/api/linux/packages/count", g.result(g.packageCount))
	router.POST("/api/linux/packages/update", g.result(g.packageUpdate))

	router.GET("/api/linux/services/:name/status", g.result(g.serviceStatus))
	router.POST("/api/linux/services/:name/start", g.result(g.controlService(host.ServiceStart)))
	router.POST("/api/linux/services/:name/stop", g.result(g.controlService(host.ServiceStop)))
	router.POST("/api/linux/services/:name/restart", g.result(g.controlService(host.ServiceRestart)))

	router.GET("/api/linux/logs/system", g.result(g.systemLogs))
	router.GET("/api/linux/logs/service/:name", g.result(g.serviceLogs))

	router.GET("/api/linux/security/firewall", g.result(g.firewallStatus))
	router.GET("/api/linux/hardware/info", g.result(g.hardwareInfo))
	router.GET("/api/linux/users/all", g.result(g.users))
	router.GET("/api/linux/users/logged-in", g.result(g.loggedInUsers))

	router.POST("/api/linux/execute", g.result(g.execute))

	return router
}

// Run runs the gateway and returns once it has stopped.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	useTLS := g.certPEM != nil
	if useTLS {
		tlsConfig, err := ServerTLSConfig(g.caCertPEM, g.certPEM, g.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked WebSocket conns outlive Close, so they hang off a context that Stop cancels
		BaseContext: func(net.Listener) context.Context { return g.baseCtx },
	}

	g.mu.Lock()
	g.httpServer = server
	g.listener = listener
	g.mu.Unlock()
	close(g.ready)

	g.logger.Infow("serving", "Addr", listener.Addr().String(), "TLS", useTLS)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until Run is listening and returns the listening address.
func (g *Gateway) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-g.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listener.Addr(), nil
}

func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() {
		g.cancel()
		g.mu.Lock()
		server := g.httpServer
		g.mu.Unlock()
		if server != nil {
			g.stopErr = server.Close()
		}
	})
	return g.stopErr
}

func (g *Gateway) channelWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.channel.ServeHTTP(w, r)
}
