// The dashboard gateway wires the session lifecycle together the way the
// original browser shell did: a route guard in front of protected views, a
// request interceptor on every API call, a background refresh loop, and an
// idle monitor, all sharing one durable session store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/parishsuite/go-session-client/authclient"
	"github.com/parishsuite/go-session-client/guard"
	"github.com/parishsuite/go-session-client/idle"
	"github.com/parishsuite/go-session-client/internal/config"
	"github.com/parishsuite/go-session-client/refresh"
	"github.com/parishsuite/go-session-client/store"
	"github.com/parishsuite/go-session-client/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running gateway: %s\n", err)
	}
	log.Printf("Gateway stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file (default: CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Env)
	displayAppname("Parish Gateway")

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	gw.loop.Start()
	if err := gw.monitor.Start(); err != nil {
		return err
	}
	defer gw.monitor.Stop()
	defer gw.loop.Stop()

	server := &http.Server{Addr: cfg.HTTP.Addr(), Handler: gw.routes()}
	go listenAndServe(server, logger)
	waitForStopSignal()
	return shutdown(server)
}

// gateway holds the wired session components and the API proxy client.
type gateway struct {
	cfg     *config.Config
	log     zerolog.Logger
	session *store.SessionStore
	auth    *authclient.Client
	api     *http.Client
	loop    *refresh.Loop
	monitor *idle.Monitor
	guard   *guard.Guard
}

func buildGateway(cfg *config.Config, logger zerolog.Logger) (*gateway, error) {
	fileStore := store.NewFile(cfg.Session.StorePath, store.WithFileLogger(logger))
	sessionStore := store.NewSessionStore(fileStore)

	auth, err := authclient.New(cfg.API.BaseURL, sessionStore,
		authclient.WithLogger(logger),
		authclient.WithNotifier(authclient.NewLogNotifier(logger)),
	)
	if err != nil {
		return nil, err
	}

	interceptor, err := transport.NewInterceptor(sessionStore, auth, transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	loop, err := refresh.NewLoop(sessionStore, auth,
		refresh.WithInterval(cfg.Session.RefreshInterval),
		refresh.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	monitorOptions := []idle.MonitorOption{
		idle.WithThreshold(cfg.Session.IdleThreshold),
		idle.WithCountdown(cfg.Session.IdleCountdown),
		idle.WithMonitorLogger(logger),
		idle.WithLocation("http://" + cfg.HTTP.Addr()),
		idle.WithOnWarning(func(remaining time.Duration) {
			logger.Warn().Dur("remaining", remaining).Msg("session idle, sign-out countdown running")
		}),
	}
	if cfg.Session.PortalOnly {
		monitorOptions = append(monitorOptions, idle.WithPortalOnly(cfg.Session.PortalHost))
	}
	monitor, err := idle.NewMonitor(sessionStore, auth, monitorOptions...)
	if err != nil {
		return nil, err
	}

	routeGuard, err := guard.New(sessionStore, auth, guard.WithGuardLogger(logger))
	if err != nil {
		return nil, err
	}

	// Session destruction anywhere stops the background work here.
	auth.OnLogout(func() {
		loop.Stop()
	})

	return &gateway{
		cfg:     cfg,
		log:     logger,
		session: sessionStore,
		auth:    auth,
		api:     &http.Client{Transport: interceptor},
		loop:    loop,
		monitor: monitor,
		guard:   routeGuard,
	}, nil
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", g.handleLogin)
	mux.HandleFunc("POST /logout", g.handleLogout)
	mux.HandleFunc("POST /session/keep", g.handleKeepSignedIn)
	mux.HandleFunc("GET /{$}", g.handleStatus)

	// Protected views; each request counts as user activity.
	mux.HandleFunc("GET /profile", g.guard.Middleware(g.withActivity(g.handleProfile)))
	mux.HandleFunc("GET /attendance", g.guard.Middleware(g.withActivity(g.proxyAPI("/attendance/"))))
	return mux
}

func (g *gateway) withActivity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.monitor.Touch()
		next(w, r)
	}
}

func (g *gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		http.Error(w, `{"detail":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if _, err := g.auth.Login(r.Context(), credentials.Username, credentials.Password); err != nil {
		g.log.Warn().Err(err).Msg("login rejected")
		http.Error(w, `{"detail":"login failed"}`, http.StatusUnauthorized)
		return
	}

	g.loop.Start()
	g.monitor.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (g *gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	g.auth.Logout(r.Context())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (g *gateway) handleKeepSignedIn(w http.ResponseWriter, _ *http.Request) {
	g.monitor.KeepSignedIn()
	w.WriteHeader(http.StatusNoContent)
}

func (g *gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	_, authenticated := g.session.Tokens()
	status := map[string]any{
		"authenticated": authenticated,
		"idle_state":    g.monitor.State().String(),
	}
	if authenticated {
		status["profile"] = g.session.Profile()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (g *gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := g.auth.UserInfo(r.Context())
	if err != nil {
		http.Error(w, `{"detail":"failed to fetch profile"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(profile)
}

// proxyAPI forwards a protected view's data request to the platform API
// through the interceptor chain.
func (g *gateway) proxyAPI(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, g.cfg.API.BaseURL+path, nil)
		if err != nil {
			http.Error(w, `{"detail":"bad upstream request"}`, http.StatusInternalServerError)
			return
		}
		resp, err := g.api.Do(req)
		if err != nil {
			http.Error(w, `{"detail":"upstream unavailable"}`, http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func newLogger(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if env == "local" || env == "dev" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func listenAndServe(server *http.Server, logger zerolog.Logger) {
	logger.Info().Str("addr", server.Addr).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("server failed")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
