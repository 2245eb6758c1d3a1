// Command vaultsync-relay is the rendezvous server peers without a
// shared backend talk through. It serves two websocket endpoints:
// /store tunnels backend operations onto a store configured on the
// server, and /watch is a plain pub-sub channel vaults use to wake each
// other up after a write.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/vaultsync/internal/backend"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOrDefault("VAULTSYNC_RELAY_ADDR", ":8093"), "listen address")
	token := flag.String("token", strings.TrimSpace(os.Getenv("VAULTSYNC_RELAY_TOKEN")), "bearer token required on /store, empty disables auth")
	storeConfig := flag.String("store", strings.TrimSpace(os.Getenv("VAULTSYNC_RELAY_STORE")), "backend config file the /store endpoint fronts, empty keeps data in memory")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	store, err := openStore(*storeConfig)
	if err != nil {
		logrus.WithError(err).Fatal("cannot open backing store")
	}
	defer store.Close()

	server := &http.Server{
		Addr:              *addr,
		Handler:           newRelayServer(store, *token),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{"addr": *addr, "store": store.ID()}).Info("relay listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("relay server failed")
	}
}

func openStore(configFile string) (backend.Store, error) {
	if configFile == "" {
		return backend.OpenMemory("relay"), nil
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := backend.ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return backend.Open(cfg)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
