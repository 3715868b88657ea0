package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/discoverweekly/internal/batch"
	"github.com/TobiSchelling/discoverweekly/internal/config"
	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/pipeline"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	userID     string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "discoverweekly",
	Short:        "Weekly music discovery playlists",
	Long:         "discoverweekly recommends albums related to your listening, acquires them through Lidarr, and builds a weekly playlist from what arrived.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			initLogging(config.Default().Logging)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		initLogging(cfg.Logging)
		return nil
	},
}

func initLogging(l config.Logging) {
	level := l.Level
	if verbose {
		level = "debug"
	}
	logging.Init(logging.Config{Level: level, Format: l.Format, Caller: verbose})
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "default", "User to act for")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(playlistCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("discoverweekly", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/discoverweekly/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure Lidarr, your music directory and history feeds.")
		fmt.Println("API keys are read from LASTFM_API_KEY and LIDARR_API_KEY (a .env file works).")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batch, job and library statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("%s\n\n", database.FormatWeekDisplay(database.WeekStart(time.Now())))
		fmt.Println("Batches:")
		fmt.Printf("  Total: %d\n", stats.Batches)
		fmt.Printf("  Active: %d\n", stats.ActiveBatches)
		fmt.Printf("  Completed: %d\n", stats.CompletedBatches)
		fmt.Printf("  Failed: %d\n", stats.FailedBatches)
		fmt.Printf("  Download jobs: %d\n", stats.Jobs)
		fmt.Println("\nDiscovery:")
		fmt.Printf("  Albums recommended: %d\n", stats.DiscoveryAlbums)
		fmt.Printf("  Active exclusions: %d\n", stats.Exclusions)
		fmt.Println("\nLibrary:")
		fmt.Printf("  Artists: %d\n", stats.LibraryArtists)
		fmt.Printf("  Albums: %d\n", stats.LibraryAlbums)
		fmt.Printf("  Tracks: %d\n", stats.LibraryTracks)
		fmt.Printf("  Plays: %d\n", stats.Plays)

		active, err := db.GetActiveBatchForUser(ctx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			fmt.Printf("\nBatch %d for %s is %s (%d/%d albums, %d failed)\n",
				active.ID, userID, active.Status, active.CompletedAlbums, active.TotalAlbums, active.FailedAlbums)
		}
		return nil
	},
}

// --- run / generate commands ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the weekly pipeline: history import -> library scan -> generate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			var result *pipeline.Result
			if dryRun {
				result = pipe.DryRun(ctx, userID)
			} else {
				result = pipe.Run(ctx, userID)
			}

			for i, step := range result.Steps {
				fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}

			if !dryRun && result.Err() == nil && result.Batch != nil {
				fmt.Printf("\nBatch %d started. Run 'discoverweekly report %d' to follow it.\n", result.Batch.ID, result.Batch.ID)
			}
			return result.Err()
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a discovery batch for the user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			b, err := pipe.Orchestrator.Generate(ctx, userID)
			if errors.Is(err, batch.ErrBatchInProgress) && b != nil {
				fmt.Printf("Batch %d is still %s; try again once it finishes or cancel it.\n", b.ID, b.Status)
				return err
			}
			if b != nil {
				printBatch(b)
			}
			return err
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile acquisitions and time out stuck batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			completed, err := pipe.Orchestrator.Reconcile(ctx)
			if err != nil {
				return err
			}
			swept, err := pipe.Orchestrator.SweepStuckBatches(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reconciled %d completed downloads, timed out %d batches\n", completed, swept)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [batchID]",
	Short: "Run the completion check for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		if err := pipe.Orchestrator.CheckBatchCompletion(ctx, id); err != nil {
			return err
		}
		return printStoredBatch(ctx, pipe, id)
	}),
}

// --- playlist commands ---

var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Assemble batch playlists",
}

var playlistBuildCmd = &cobra.Command{
	Use:   "build [batchID]",
	Short: "Build the final playlist of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		if err := pipe.Assembler.BuildFinalPlaylist(ctx, id); err != nil {
			return err
		}
		return printStoredBatch(ctx, pipe, id)
	}),
}

var playlistRebuildCmd = &cobra.Command{
	Use:   "rebuild [batchID]",
	Short: "Rebuild the playlist of a scanning or completed batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		if err := pipe.Assembler.RebuildPlaylist(ctx, id); err != nil {
			return err
		}
		return printStoredBatch(ctx, pipe, id)
	}),
}

func init() {
	playlistCmd.AddCommand(playlistBuildCmd)
	playlistCmd.AddCommand(playlistRebuildCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [batchID]",
	Short: "Cancel a running batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		if err := pipe.Orchestrator.Cancel(ctx, id); err != nil {
			return err
		}
		return printStoredBatch(ctx, pipe, id)
	}),
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [batchID]",
	Short: "Remove Lidarr leftovers of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		if !pipe.Lidarr.Configured() {
			fmt.Println("Lidarr is not configured; nothing to clean up.")
			return nil
		}
		res := pipe.Cleanup.Run(ctx, id)
		fmt.Printf("Cleanup of batch %d:\n", id)
		fmt.Printf("  Artists kept: %d\n", res.Kept)
		fmt.Printf("  Artists untagged: %d\n", res.Untagged)
		fmt.Printf("  Artists deleted: %d\n", res.Deleted)
		fmt.Printf("  Queue items removed: %d\n", res.QueueRemoved)
		if res.Failures > 0 {
			fmt.Printf("  Failures: %d (see log)\n", res.Failures)
		}
		return nil
	}),
}

// --- library and history commands ---

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the music directory and process pending scan jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			res, err := pipe.Scanner.Scan(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Scan complete:")
			fmt.Printf("  Files: %d\n", res.Files)
			fmt.Printf("  Indexed: %d\n", res.Indexed)
			fmt.Printf("  Skipped (no artist/album): %d\n", res.Skipped)
			fmt.Printf("  Errors: %d\n", res.Errors)

			n, err := pipe.Worker.ProcessPending(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("\nProcessed %d pending scan jobs\n", n)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage listening history",
}

var historyImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import listening history from configured feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			if len(cfg.History.Feeds) == 0 {
				fmt.Println("No history feeds configured.")
				return nil
			}
			result, err := pipe.Importer.Import(ctx)
			if err != nil {
				return err
			}

			fmt.Println("Import complete:")
			fmt.Printf("  Items read: %d\n", result.Items)
			fmt.Printf("  New plays: %d\n", result.Imported)
			fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)
			fmt.Printf("  Not in library: %d\n", result.Unmatched)
			fmt.Printf("  Unparseable: %d\n", result.Invalid)

			if len(result.Sources) > 0 {
				fmt.Println("\nPlays by source:")
				type kv struct {
					key string
					val int
				}
				var sorted []kv
				for k, v := range result.Sources {
					sorted = append(sorted, kv{k, v})
				}
				sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
				for _, s := range sorted {
					fmt.Printf("  %s: %d\n", s.key, s.val)
				}
			}
			return nil
		})
	},
}

func init() {
	historyCmd.AddCommand(historyImportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report [batchID]",
	Short: "Print the markdown report of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: batchCommand(func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
		r, err := pipe.Reports.Compose(ctx, id)
		if err != nil {
			return err
		}
		fmt.Print(r.Markdown)
		return nil
	}),
}

// --- settings command ---

var (
	settingsSize      int
	settingsRatio     float64
	settingsExclusion int
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the user's discovery settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		current, err := db.GetUserSettings(ctx, userID)
		if err != nil {
			return err
		}
		s := database.UserSettings{
			UserID:          userID,
			PlaylistSize:    cfg.Discovery.PlaylistSize,
			DownloadRatio:   cfg.Discovery.DownloadRatio,
			ExclusionMonths: cfg.Discovery.ExclusionMonths,
		}
		if current != nil {
			s = *current
		}

		flags := cmd.Flags()
		changed := false
		if flags.Changed("playlist-size") {
			if settingsSize <= 0 {
				return fmt.Errorf("playlist size must be positive")
			}
			s.PlaylistSize, changed = settingsSize, true
		}
		if flags.Changed("download-ratio") {
			if settingsRatio < 1 {
				return fmt.Errorf("download ratio must be at least 1")
			}
			s.DownloadRatio, changed = settingsRatio, true
		}
		if flags.Changed("exclusion-months") {
			if settingsExclusion < 0 {
				return fmt.Errorf("exclusion months cannot be negative")
			}
			s.ExclusionMonths, changed = settingsExclusion, true
		}
		if changed {
			if err := db.SaveUserSettings(ctx, s); err != nil {
				return err
			}
			fmt.Printf("Saved settings for %s\n", userID)
		} else if current == nil {
			fmt.Printf("No overrides for %s; using config defaults\n", userID)
		}

		fmt.Printf("  Playlist size: %d\n", s.PlaylistSize)
		fmt.Printf("  Download ratio: %.2f (%d albums per batch)\n", s.DownloadRatio, batch.AlbumsToRequest(s.PlaylistSize, s.DownloadRatio))
		fmt.Printf("  Exclusion window: %d months\n", s.ExclusionMonths)
		return nil
	},
}

func init() {
	settingsCmd.Flags().IntVar(&settingsSize, "playlist-size", 0, "Target playlist length")
	settingsCmd.Flags().Float64Var(&settingsRatio, "download-ratio", 0, "Albums requested per playlist song")
	settingsCmd.Flags().IntVar(&settingsExclusion, "exclusion-months", 0, "Months before a recommended album may return (0 disables)")
}

// --- serve / daemon commands ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			srv, err := pipe.Server()
			if err != nil {
				return err
			}
			defer srv.Close()

			fmt.Printf("Starting server at http://%s\n", cfg.Server.Addr())
			fmt.Println("Press Ctrl+C to stop")
			if err := pipe.HTTPService(srv.Handler()).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the web server with the sweep and scan services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			srv, err := pipe.Server()
			if err != nil {
				return err
			}
			defer srv.Close()

			logging.Info().Str("addr", cfg.Server.Addr()).Str("version", version).Msg("daemon starting")
			return pipe.Supervisor(srv.Handler()).Serve(ctx)
		})
	},
}

// --- helpers ---

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "discoverweekly.db"))
}

// withPipeline opens the database, wires the pipeline and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, pipe *pipeline.Pipeline) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pipe, err := pipeline.New(cfg, db, userID)
	if err != nil {
		return err
	}
	defer pipe.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, pipe)
}

func batchCommand(fn func(ctx context.Context, pipe *pipeline.Pipeline, id int64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid batch ID: %s", args[0])
		}
		return withPipeline(cmd, func(ctx context.Context, pipe *pipeline.Pipeline) error {
			return fn(ctx, pipe, id)
		})
	}
}

func printStoredBatch(ctx context.Context, pipe *pipeline.Pipeline, id int64) error {
	b, err := pipe.Store().GetBatch(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("batch %d not found", id)
	}
	if err != nil {
		return err
	}
	printBatch(b)
	return nil
}

func printBatch(b *database.Batch) {
	fmt.Printf("Batch %d (%s, %s): %s\n", b.ID, b.UserID, database.FormatWeekDisplay(b.WeekStart), b.Status)
	fmt.Printf("  Albums: %d requested, %d completed, %d failed\n", b.TotalAlbums, b.CompletedAlbums, b.FailedAlbums)
	if b.Status == database.BatchCompleted {
		fmt.Printf("  Playlist: %d tracks\n", b.FinalSongCount)
	}
	if b.ErrorMessage != nil && *b.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", *b.ErrorMessage)
	}
}
