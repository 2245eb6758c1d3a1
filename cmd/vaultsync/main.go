// Command vaultsync is the command line client for encrypted vaults. It
// reads a YAML configuration describing the identity, the backend and
// the vault tuning, and exposes the vault operations as subcommands.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

// cliConfig is the on-disk configuration of the client. The secret can
// be kept out of the file and supplied as VAULTSYNC_SECRET instead.
type cliConfig struct {
	Realm  string         `yaml:"realm"`
	Secret string         `yaml:"secret,omitempty"`
	DB     string         `yaml:"db,omitempty"`
	Store  backend.Config `yaml:"store"`
	Vault  vault.Config   `yaml:"vault,omitempty"`
}

var (
	configPath string
	verbose    bool
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "vaultsync",
		Short:         "encrypted vault synchronization client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		envOrDefault("VAULTSYNC_CONFIG", "vaultsync.yaml"), "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		keygenCmd(),
		initCmd(),
		putCmd(),
		getCmd(),
		lsCmd(),
		rmCmd(),
		versionsCmd(),
		syncCmd(),
		grantCmd(),
		revokeCmd(),
		groupsCmd(),
		membersCmd(),
		usersCmd(),
		attrCmd(),
		msgCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (cliConfig, error) {
	var cfg cliConfig
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("cannot read configuration %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse configuration %s: %w", configPath, err)
	}
	if s := strings.TrimSpace(os.Getenv("VAULTSYNC_SECRET")); s != "" {
		cfg.Secret = s
	}
	if cfg.Realm == "" {
		return cfg, fmt.Errorf("configuration misses the realm")
	}
	if cfg.Secret == "" {
		return cfg, fmt.Errorf("no secret in configuration or VAULTSYNC_SECRET")
	}
	if cfg.DB == "" {
		cfg.DB = filepath.Join(".vaultsync", cfg.Realm+".db")
	}
	return cfg, nil
}

// openVault connects to the configured vault, creating it first when
// create is set. The returned cleanup closes both the vault and its
// database.
func openVault(create bool) (*vault.Vault, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	secret, err := identity.DecodePrivateID(cfg.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid secret: %w", err)
	}
	public, err := secret.Public()
	if err != nil {
		return nil, nil, err
	}
	store, err := backend.Open(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	db, err := index.Open("sqlite3", cfg.DB, "")
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	var v *vault.Vault
	if create {
		v, err = vault.Create(cfg.Realm, secret, store, db, cfg.Vault)
	} else {
		v, err = vault.Open(cfg.Realm, secret, public, store, db)
	}
	if err != nil {
		db.Close()
		store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		v.Close()
		db.Close()
		store.Close()
	}
	return v, cleanup, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
