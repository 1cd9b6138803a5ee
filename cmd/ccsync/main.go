package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ccsync/internal/app"
	"ccsync/internal/cloudsync"
	"ccsync/internal/config"
	"ccsync/internal/daemon"
	"ccsync/internal/encryption"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, app.ErrLockTimeout) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Join").
func newApp(operation string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

func printResult(result *cloudsync.Result) {
	switch result.Status {
	case cloudsync.StatusAlreadySynced:
		fmt.Printf("Already synchronized (version %d)\n", result.Version)
	case cloudsync.StatusSkipped:
		fmt.Println("Nothing to do.")
	default:
		fmt.Printf("Synchronized to version %d\n", result.Version)
	}
	if result.PushFailures > 0 {
		fmt.Printf("Warning: %d head(s) could not be pushed and will be retried\n", result.PushFailures)
	}
	if result.MovedTo != "" {
		fmt.Printf("Checked-out commit was obsoleted; successor is %s\n", result.MovedTo)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccsync",
	Short: "Commit cloud synchronization",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init REPO_NAME",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// The host id names this replica in bookmark fork suffixes, so the
		// hostname is preferred; a uuid is the fallback for machines without
		// one.
		hostID, err := os.Hostname()
		if err != nil || hostID == "" {
			hostID = uuid.New().String()
		}

		cfg := config.NewConfig(hostID, defaults["base_dir"])
		cfg.RepoName = args[0]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID:  %s\n", hostID)
		fmt.Printf("Repo:     %s\n", args[0])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Repo:       %s\n", cfg.RepoName)
		fmt.Printf("Workspace:  %s\n", cfg.Workspace)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Service:    %s (%s)\n", cfg.Service.Type, cfg.Service.URL)
		fmt.Printf("Bundles:    %s\n", cfg.BundleStore.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the bundle encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("encryption is not enabled in the configuration")
		}
		if enc.IsConfigured() {
			return fmt.Errorf("key pair already exists")
		}

		fmt.Print("Passphrase for the private key: ")
		passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}

		if err := enc.Setup(string(passphrase)); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}
		fmt.Println("Key pair generated.")
		return nil
	},
}

// join command
var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Connect this repository to the cloud workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Join")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Join(cmd.Context())
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

// rejoin command
var rejoinCmd = &cobra.Command{
	Use:   "rejoin",
	Short: "Reconnect after local sync state was lost",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Rejoin")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Rejoin(cmd.Context())
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

// leave command
var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Disconnect this repository from the cloud workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Leave")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Leave(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Left the workspace. Local commits are untouched.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the cloud workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		pushRevs, _ := cmd.Flags().GetStringArray("push-revs")
		checkBackedUp, _ := cmd.Flags().GetBool("check-backed-up")
		workspaceVersion, _ := cmd.Flags().GetInt64("workspace-version")

		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Sync(cmd.Context(), cloudsync.Options{
			Full:             full,
			PushRevs:         pushRevs,
			CheckBackedUp:    checkBackedUp,
			WorkspaceVersion: workspaceVersion,
		})
		if err != nil {
			var partial *cloudsync.PartialSyncError
			if errors.As(err, &partial) && result != nil {
				printResult(result)
				return nil
			}
			return err
		}
		printResult(result)
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild local sync state from the cloud",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Recover")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Recover(cmd.Context())
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace membership and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Repo:      %s\n", st.RepoName)
		fmt.Printf("Workspace: %s\n", st.Workspace)
		if !st.Joined {
			fmt.Println("Not joined. Run `ccsync join` first.")
			return nil
		}
		fmt.Printf("Version:   %d\n", st.Version)
		fmt.Printf("Heads:     %d (%d omitted)\n", st.Heads, st.OmittedHeads)
		if st.OmittedBookmarks > 0 {
			fmt.Printf("Bookmarks: %d omitted\n", st.OmittedBookmarks)
		}
		return nil
	},
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background auto-sync loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Daemon")
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config()
		if cfg.Database.Type == "memory" || cfg.Database.DataDir == "" {
			return fmt.Errorf("daemon requires a sqlite database with data_dir set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := daemon.New(daemon.Config{
			WatchDir:  cfg.Database.DataDir,
			Debounce:  time.Duration(cfg.Daemon.DebounceMillis) * time.Millisecond,
			NotifyURL: cfg.Daemon.NotifyURL,
			RepoName:  cfg.RepoName,
			Workspace: cfg.Workspace,
		}, func(ctx context.Context, version int64) error {
			_, err := a.Sync(ctx, cloudsync.Options{WorkspaceVersion: version})
			return err
		})

		err = d.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(rejoinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("full", false, "Ignore the age limit and pull the whole workspace")
	syncCmd.Flags().StringArray("push-revs", nil, "Restrict pushed heads to these expressions (repeatable)")
	syncCmd.Flags().Bool("check-backed-up", false, "Ask the service which heads it already has before pushing")
	syncCmd.Flags().Int64("workspace-version", 0, "Skip the run if this version has already been applied")
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}
