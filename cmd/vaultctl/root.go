package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lexlapax/neurovault/pkg/config"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/vault"
	"github.com/spf13/cobra"
)

// app holds the flags shared by every command and the service they open.
type app struct {
	configPath string
	envFile    string
	dataDir    string
	tenant     string
	user       string
	role       string
	jsonOut    bool

	out io.Writer
	cfg *config.Config
	svc *vault.Service
}

// newRootCmd builds the command tree around a. The caller closes a after
// Execute returns, whatever the outcome.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate a NeuroVault memory store",
		Long:          "vaultctl stores, retrieves and maintains tiered agent memories in a NeuroVault store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.open(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to YAML configuration file")
	flags.StringVar(&a.envFile, "env-file", "", "Load environment variables from this file (default ./.env when present)")
	flags.StringVar(&a.dataDir, "data-dir", "./data", "Directory for the bolt and chromem files when no config file is given")
	flags.StringVarP(&a.tenant, "tenant", "t", "default", "Tenant id of the caller")
	flags.StringVarP(&a.user, "user", "u", "default-user", "User id of the caller")
	flags.StringVarP(&a.role, "role", "r", string(entity.RoleAdmin), "Role of the caller: admin, user, viewer or system")
	flags.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		newStoreCmd(a),
		newRetrieveCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newUpdateCmd(a),
		newDeleteCmd(a),
		newExportCmd(a),
		newAuditCmd(a),
		newStatsCmd(a),
		newHealthCmd(a),
		newSweepCmd(a),
		newConsolidateCmd(a),
		newRunCmd(a),
		newShellCmd(a),
	)
	return root
}

// open loads configuration and builds the service. Without a config file
// the store is kept on disk under --data-dir.
func (a *app) open(ctx context.Context) error {
	if a.envFile != "" {
		if err := config.LoadDotEnv(a.envFile); err != nil {
			return err
		}
	} else if err := config.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.configPath == "" && os.Getenv("NEUROVAULT_METADATA_TYPE") == "" {
		cfg.Metadata.Type = "bolt"
		cfg.Metadata.Bolt.Path = filepath.Join(a.dataDir, "neurovault.db")
		if cfg.Vector.ChromemGo.StoragePath == "" {
			cfg.Vector.ChromemGo.StoragePath = filepath.Join(a.dataDir, "vectors")
		}
	}
	a.cfg = cfg

	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := vault.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func (a *app) close() error {
	if a.svc == nil {
		return nil
	}
	err := a.svc.Close()
	a.svc = nil
	return err
}

func (a *app) caller() (entity.Context, error) {
	role, err := entity.ParseRole(a.role)
	if err != nil {
		return entity.Context{}, err
	}
	return entity.NewContext(entity.TenantID(a.tenant), a.user, role), nil
}

// emit prints v as JSON with --json, otherwise calls text.
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.out)
	return nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
