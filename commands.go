package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"crmlicense.app/licensing/client"
	"crmlicense.app/licensing/gate"
	"crmlicense.app/licensing/internal/config"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/licensestate"
	"crmlicense.app/licensing/registry"
	"crmlicense.app/licensing/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		seeded, err := storage.SeedModules(cmd.Context(), store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date, %d modules seeded\n", seeded)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark active licenses past their expiry date as expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := registry.New(store, registry.WithMetrics(metrics.Default())).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d licenses expired\n", n)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Import modules, packages, customers and licenses from a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig()
		if err != nil {
			return err
		}

		catalog, err := storage.LoadCatalogFile(args[0])
		if err != nil {
			return err
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := storage.Import(cmd.Context(), store, catalog)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d modules, %d packages, %d customers, %d licenses\n",
			res.Modules, res.Packages, res.Customers, res.Licenses)
		return nil
	},
}

var (
	checkActivate   string
	checkDeactivate bool
	checkForce      bool
	checkModule     string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the locally cached license against the license server",
	Long: `check runs the enforcement side against a license server: it loads the
cached state file, optionally activates or deactivates a key, re-validates when
the check interval has elapsed (or always with --force) and prints the
resulting license information as JSON.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkActivate, "activate", "", "activate this license key")
	checkCmd.Flags().BoolVar(&checkDeactivate, "deactivate", false, "remove the cached license")
	checkCmd.Flags().BoolVar(&checkForce, "force", false, "validate even when the check interval has not elapsed")
	checkCmd.Flags().StringVar(&checkModule, "module", "", "also report whether this module is entitled")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.NewClient()
	if err != nil {
		return err
	}

	c, err := client.NewFromConfig(*cfg, client.WithMetrics(metrics.Default()))
	if err != nil {
		return err
	}

	mgr, err := licensestate.New(ctx, licensestate.NewFileStore(cfg.StateFile), c,
		licensestate.WithCheckInterval(cfg.CheckInterval),
		licensestate.WithBypass(cfg.Bypass),
	)
	if err != nil {
		return err
	}

	switch {
	case checkDeactivate:
		if err := mgr.Deactivate(ctx); err != nil {
			return err
		}
	case strings.TrimSpace(checkActivate) != "":
		if _, err := mgr.Activate(ctx, checkActivate); err != nil {
			return err
		}
	case checkForce:
		if err := mgr.Check(ctx); err != nil {
			return err
		}
	default:
		if _, err := mgr.MaybeCheck(ctx); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(mgr.Info()); err != nil {
		return err
	}

	if checkModule == "" {
		return nil
	}
	var audit gate.AuditLog = gate.NewRingLog(cfg.AuditSize)
	if cfg.AuditFile != "" {
		audit = gate.NewFileLog(cfg.AuditFile, cfg.AuditSize)
	}
	g := gate.New(mgr, gate.WithAuditLog(audit), gate.WithMetrics(metrics.Default()))
	allowed := g.CheckModuleAccess(gate.AccessRequest{
		Module:  checkModule,
		Context: gate.ContextAdmin,
		Actor:   "cli",
	}, gate.PolicyDeny)

	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "module %s: %s\n", checkModule, verdict)
	return nil
}
