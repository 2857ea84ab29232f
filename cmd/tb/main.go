package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tb-go/internal/app"
	"tb-go/internal/config"
	"tb-go/internal/sshauth"
	"tb-go/internal/tb"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp loads the effective config and creates a TBApp. The caller must defer app.Close().
func newApp(cmd *cobra.Command, params ...string) (*app.TBApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	dotenv, _ := cmd.Flags().GetString("dotenv")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := app.LoadConfig(defaults["config_path"], defaults["base_dir"], dotenv)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a, err := app.NewTBApp(cmd.Context(), cfg, app.Invocation{
		Command:    cmd.CommandPath(),
		Parameters: params,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func printReport(r *tb.RunReport) {
	fmt.Printf("%s %s: %s in %s\n", r.Kind, r.Folder, r.Status, r.Duration().Truncate(time.Millisecond))
	for _, art := range r.Artifacts() {
		fmt.Printf("  %-24s %10s  %s\n", filepath.Base(art.Path), humanize.IBytes(uint64(art.Size)), art.Strategy)
	}
	for _, o := range r.Failures() {
		fmt.Printf("  FAILED %s: %v\n", o.Component, o.Err)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tb",
	Short:        "Backup and restore for tutor-managed Open edX stacks",
	SilenceUsage: true,
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump, archive and upload today's backup set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Backup(cmd.Context())
		if report != nil {
			printReport(report)
		}
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Locate, verify and replay a backup set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := tb.RestoreRequest{}
		req.Date, _ = cmd.Flags().GetString("date")
		req.Folder, _ = cmd.Flags().GetString("folder")
		req.SkipDownload, _ = cmd.Flags().GetBool("skip-download")

		var params []string
		cmd.Flags().Visit(func(f *pflag.Flag) {
			params = append(params, "--"+f.Name, f.Value.String())
		})

		a, err := newApp(cmd, params...)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Restore(cmd.Context(), req)
		if report != nil {
			printReport(report)
		}
		if errors.Is(err, tb.ErrBackupSetNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to every backup transport",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.Prune(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		verb := "deleted"
		if dryRun {
			verb = "would delete"
		}
		for _, r := range results {
			switch {
			case r.Err != nil:
				fmt.Printf("%s: error: %v\n", r.Name, r.Err)
			default:
				fmt.Printf("%s: %s %d folder(s)\n", r.Name, verb, len(r.Value.Candidates))
				for _, folder := range r.Value.Candidates {
					fmt.Printf("  %s\n", folder)
				}
			}
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recorded backup, restore and prune runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), kind, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			failed := 0
			for _, c := range r.Components {
				if !c.OK {
					failed++
				}
			}
			fmt.Printf("%s  %-7s  %s  %-8s  %-9s  %d/%d failed  %s\n",
				r.Started.Local().Format("2006-01-02 15:04:05"),
				r.Kind,
				humanize.Time(r.Started),
				r.Status,
				r.Finished.Sub(r.Started).Truncate(time.Second),
				failed, len(r.Components),
				r.Folder,
			)
			if r.Error != "" {
				fmt.Printf("    %s\n", r.Error)
			}
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		dotenv, _ := cmd.Flags().GetString("dotenv")
		cfg, err := app.LoadConfig(defaults["config_path"], defaults["base_dir"], dotenv)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Client:       %s\n", cfg.Client)
		fmt.Printf("Environment:  %s\n", cfg.Environment)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Work Dir:     %s\n", cfg.Backup.WorkDir)
		fmt.Printf("Scratch Dir:  %s\n", cfg.Restore.ScratchDir)
		fmt.Printf("Compression:  level %d, fast=%t\n", cfg.Compression.Level, cfg.Compression.Fast)
		fmt.Printf("Retention:    %d daily, every %d days x %d\n",
			cfg.Retention.DailyDays, cfg.Retention.WeeklyInterval, cfg.Retention.WeeklyCount)
		fmt.Printf("Search Order: %s\n", strings.Join(cfg.Restore.SearchOrder, ", "))
		fmt.Printf("Validation:   %t\n", cfg.Validation.Enabled)
		fmt.Println("Transports:")
		for _, t := range cfg.Transports {
			fmt.Printf("  %-8s %-6s %s\n", t.Name, t.Type, transportTarget(t))
		}
		return nil
	},
}

func transportTarget(t config.TransportConfig) string {
	var target string
	switch t.Type {
	case "sftp":
		target = t.SFTPServer + ":" + t.SFTPPath
	case "s3":
		target = "s3://" + t.S3Bucket
	case "gcs":
		target = "gs://" + t.GCSBucket
	case "local":
		target = t.LocalRoot
	}
	if t.Prefix != "" {
		target += "/" + t.Prefix
	}
	if t.RestoreOnly {
		target += " (restore only)"
	}
	return target
}

var configSSHKeyCmd = &cobra.Command{
	Use:   "ssh-key",
	Short: "Convert a pasted private key into a single-line SSH_PRIVATE_KEY entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Paste the private key, then press Ctrl-D:")
		}
		material, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		key := sshauth.NormalizeKey(string(material))
		if !strings.Contains(key, "PRIVATE KEY") {
			return errors.New("input does not look like a PEM private key")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "SSH_PRIVATE_KEY=%s\n", sshauth.EncodeKey(key))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug records to stderr")
	rootCmd.PersistentFlags().String("dotenv", "", "Read environment settings from this file (default $DOTENV_PATH or ./.env)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSSHKeyCmd)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringP("date", "d", "", "Backup date as YYYYMMDD (default today)")
	restoreCmd.Flags().StringP("folder", "f", "", "Backup folder name; overrides --date")
	restoreCmd.Flags().Bool("skip-download", false, "Reuse a backup set already in the scratch directory")
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().Bool("dry-run", false, "List deletion candidates without deleting")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringP("kind", "k", "", "Only show runs of this kind (backup, restore, prune)")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(configCmd)
}
