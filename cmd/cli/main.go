package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cochaviz/carrel/internal/engine"
	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/metrics"
	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
	"github.com/cochaviz/carrel/internal/reserve/repositories/gormstore"
	"github.com/cochaviz/carrel/internal/reserve/repositories/memory"
	"github.com/cochaviz/carrel/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		if neg, ok := reserve.AsNegative(err); ok {
			logger.Warn("not available", "code", neg.Code.String(), "detail", neg.Detail)
			os.Exit(2)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel   string
	configPath string
	dbPath     string
	demo       bool
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	flags := &globalFlags{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "carrel",
		Short:         "CLI for 'carrel': reservation allocation over a shared computer fleet",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "Path to the SQLite database (overrides the config)")
	root.PersistentFlags().BoolVar(&flags.demo, "demo", false, "Run against a seeded in-memory store")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flags.logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(
		newResolveCommand(logger, flags),
		newSuggestCommand(logger, flags),
		newGridCommand(logger, flags),
		newRequestCommand(logger, flags),
		newLeasesCommand(logger, flags),
		newMigrateCommand(logger, flags),
	)
	return root
}

// buildEngine loads configuration, opens the store, and assembles the
// engine components.
func buildEngine(logger *slog.Logger, flags *globalFlags) (*engine.Engine, reserve.Stores, setup.Config, error) {
	cfg, err := setup.Load(flags.configPath)
	if err != nil {
		return nil, reserve.Stores{}, cfg, err
	}
	if flags.dbPath != "" {
		cfg.DatabasePath = flags.dbPath
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	if flags.demo {
		store := memory.NewStore()
		seedDemo(store)
		stores := store.Stores()
		return engine.New(stores, cfg, logger, recorder), stores, cfg, nil
	}

	store, err := gormstore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, reserve.Stores{}, cfg, err
	}
	if err := store.Migrate(); err != nil {
		return nil, reserve.Stores{}, cfg, fmt.Errorf("migrate schema: %w", err)
	}
	stores := store.Stores()
	return engine.New(stores, cfg, logger, recorder), stores, cfg, nil
}

func newResolveCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		startStr, endStr string
		user             string
		hold             bool
		commit           bool
		ignoreAccess     bool
		fixedIP          string
		fixedMAC         string
		revision         string
	)

	cmd := &cobra.Command{
		Use:   "resolve <image-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Resolve an allocation plan for an image and time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			imageID := strings.TrimSpace(args[0])
			if imageID == "" {
				return fmt.Errorf("image id is required")
			}

			window, err := parseWindow(startStr, endStr)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "resolve", "image", imageID)
			eng, _, _, err := buildEngine(cmdLogger, flags)
			if err != nil {
				return err
			}

			opts := reserve.ResolveOptions{
				UserID:        user,
				HoldForCommit: hold || commit,
				IgnoreAccess:  ignoreAccess,
				FixedIP:       fixedIP,
				FixedMAC:      fixedMAC,
				RevisionID:    revision,
			}

			plan, err := eng.Resolver.Resolve(window, imageID, opts)
			if err != nil {
				return err
			}

			if commit {
				req, err := eng.Ledger.Commit(plan, opts)
				if err != nil {
					return err
				}
				cmdLogger.Info("request committed", "request", req.ID)
				return printJSON(cmd, req)
			}

			return printJSON(cmd, plan)
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "Window start (RFC 3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "Window end (RFC 3339)")
	cmd.Flags().StringVar(&user, "user", "", "Acting user id")
	cmd.Flags().BoolVar(&hold, "hold", false, "Hold semaphore leases on the chosen computers")
	cmd.Flags().BoolVar(&commit, "commit", false, "Commit the plan into a request")
	cmd.Flags().BoolVar(&ignoreAccess, "ignore-access", false, "Skip the privilege filter")
	cmd.Flags().StringVar(&fixedIP, "ip", "", "Require a fixed IP address")
	cmd.Flags().StringVar(&fixedMAC, "mac", "", "Require a fixed MAC address")
	cmd.Flags().StringVar(&revision, "revision", "", "Pin a specific image revision")

	return cmd
}

func newSuggestCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		startStr, endStr string
		user             string
		ignoreAccess     bool
		searchMode       bool
	)

	cmd := &cobra.Command{
		Use:   "suggest <image-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Suggest nearby available time slots for an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			imageID := strings.TrimSpace(args[0])
			window, err := parseWindow(startStr, endStr)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "suggest", "image", imageID)
			eng, _, _, err := buildEngine(cmdLogger, flags)
			if err != nil {
				return err
			}

			slots, err := eng.Finder.Suggest(window, imageID, reserve.SuggestOptions{
				UserID:       user,
				IgnoreAccess: ignoreAccess,
				SearchMode:   searchMode,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, slots)
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "Desired start (RFC 3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "Desired end (RFC 3339)")
	cmd.Flags().StringVar(&user, "user", "", "Acting user id")
	cmd.Flags().BoolVar(&ignoreAccess, "ignore-access", false, "Skip the privilege filter")
	cmd.Flags().BoolVar(&searchMode, "search", false, "Keep exact durations instead of display buckets")

	return cmd
}

func newGridCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		startStr string
		hours    int
	)

	cmd := &cobra.Command{
		Use:   "grid <computer-id>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Build the availability grid for a set of computers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "grid")
			eng, _, cfg, err := buildEngine(cmdLogger, flags)
			if err != nil {
				return err
			}

			start := time.Now()
			if startStr != "" {
				start, err = parseTime(startStr)
				if err != nil {
					return err
				}
			}
			horizon := cfg.GridHorizon()
			if hours > 0 {
				horizon = time.Duration(hours) * time.Hour
			}

			grid, err := eng.Grid.Build(args, models.TimeWindow{Start: start, End: start.Add(horizon)})
			if err != nil {
				return err
			}
			return printJSON(cmd, grid)
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "Horizon start (RFC 3339, default now)")
	cmd.Flags().IntVar(&hours, "hours", 0, "Horizon length in hours")

	return cmd
}

func newRequestCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage request lifecycle",
	}

	var endStr string
	extend := &cobra.Command{
		Use:   "extend <request-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Change a request's end time",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, stores, _, err := buildEngine(logger.With("command", "request.extend"), flags)
			if err != nil {
				return err
			}
			end, err := parseTime(endStr)
			if err != nil {
				return err
			}
			req, err := stores.Requests.Get(args[0])
			if err != nil {
				return err
			}
			if req == nil {
				return fmt.Errorf("request %s does not exist", args[0])
			}
			return eng.Ledger.UpdateRequest(args[0], models.TimeWindow{Start: req.Start, End: end}, nil)
		},
	}
	extend.Flags().StringVar(&endStr, "end", "", "New end time (RFC 3339)")

	del := &cobra.Command{
		Use:   "delete <request-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a request (soft before start, hard once running)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := buildEngine(logger.With("command", "request.delete"), flags)
			if err != nil {
				return err
			}
			return eng.Ledger.DeleteRequest(args[0])
		},
	}

	cmd.AddCommand(extend, del)
	return cmd
}

func newLeasesCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect and clean semaphore leases",
	}

	var owner string
	release := &cobra.Command{
		Use:   "release",
		Short: "Release leases held by an owner, or purge expired rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := buildEngine(logger.With("command", "leases.release"), flags)
			if err != nil {
				return err
			}
			if owner != "" {
				return eng.Lock.ReleaseOwner(owner)
			}
			purged, err := eng.Lock.PurgeExpired()
			if err != nil {
				return err
			}
			logger.Info("expired leases purged", "count", purged)
			return nil
		},
	}
	release.Flags().StringVar(&owner, "owner", "", "Release every lease held by this owner id")

	cmd.AddCommand(release)
	return cmd
}

func newMigrateCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.dbPath != "" {
				cfg.DatabasePath = flags.dbPath
			}
			if err := setup.Verify(cfg); err != nil {
				return err
			}
			store, err := gormstore.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			if err := store.Migrate(); err != nil {
				return err
			}
			logger.Info("schema migrated", "database", cfg.DatabasePath)
			return nil
		},
	}
}

func parseWindow(startStr, endStr string) (models.TimeWindow, error) {
	start, err := parseTime(startStr)
	if err != nil {
		return models.TimeWindow{}, err
	}
	end, err := parseTime(endStr)
	if err != nil {
		return models.TimeWindow{}, err
	}
	if !end.After(start) {
		return models.TimeWindow{}, fmt.Errorf("end must be after start")
	}
	return models.TimeWindow{Start: start, End: end}, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("a time value is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", value)
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// seedDemo loads a small fleet so resolve/suggest/grid work without a
// database.
func seedDemo(store *memory.Store) {
	store.AddSchedule(models.Schedule{
		ID:     "always",
		Name:   "always open",
		Ranges: []models.MinuteRange{{Start: 0, End: models.MinutesPerWeek}},
	})

	store.AddImage(models.Image{
		ID:                   "img-linux",
		Name:                 "Linux Lab",
		Platform:             "x86",
		MinRAMMB:             2048,
		MinCPUCount:          2,
		MinCPUSpeedMHz:       2000,
		MinNetworkMbps:       100,
		OSInstallType:        models.InstallPartimage,
		ProductionRevisionID: "rev-linux-3",
	}, models.ImageRevision{ID: "rev-linux-3", ImageID: "img-linux", Version: 3, Production: true})

	for i, id := range []string{"comp-a", "comp-b", "comp-c"} {
		store.AddComputer(models.Computer{
			ID:          id,
			Hostname:    id + ".lab.example.org",
			State:       models.ComputerAvailable,
			Type:        models.TypePhysical,
			Platform:    "x86",
			ScheduleID:  "always",
			RAMMB:       4096 * (i + 1),
			CPUCount:    2 + 2*i,
			CPUSpeedMHz: 2400,
			NetworkMbps: 1000,
		})
	}
	store.MapImage("img-linux", "comp-a", "comp-b", "comp-c")

	store.AddNode(models.ManagementNode{
		ID:       "mn-1",
		Hostname: "mn-1.lab.example.org",
		Liveness: models.LivenessNow,
	}, "comp-a", "comp-b", "comp-c")

	store.GrantAccess("demo", reserve.AccessSet{
		ComputerIDs: map[string]bool{"comp-a": true, "comp-b": true, "comp-c": true},
		ImageIDs:    map[string]bool{"img-linux": true},
	})
	store.SetUserGroups("demo", "lab-users")
}
