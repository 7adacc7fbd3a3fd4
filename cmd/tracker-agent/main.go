// Command tracker-agent records which applications have focus, classifies
// them as productive or not, and uploads the resulting activity records
// to the time tracker server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"timetracker-agent/internal/agent"
	"timetracker-agent/internal/api"
	"timetracker-agent/internal/config"
	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/mirror"
	"timetracker-agent/internal/store"
	"timetracker-agent/internal/webhook"
	"timetracker-agent/internal/window"
)

const loginTimeout = 15 * time.Second

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".timetracker", "config.yaml")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to the configuration file")
	login := flag.Bool("login", false, "Log in to the server and exit")
	username := flag.String("username", "", "Username for -login")
	password := flag.String("password", "", "Password for -login")
	logout := flag.Bool("logout", false, "Discard stored credentials and exit")
	showWindow := flag.Bool("window", false, "Print the focused window once and exit")
	mirrorRecent := flag.Int("mirror-recent", 0, "Print the N most recent mirrored records and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	// Environment overrides may live in a .env file next to the binary.
	_ = godotenv.Load()

	log := logging.New(*debug, *verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		os.Exit(1)
	}

	tokenPath := filepath.Join(cfg.Settings.StateDir, "token.json")
	client := api.NewClient(log, cfg.Credentials.BaseURL, cfg.Credentials.MachineID, tokenPath)

	switch {
	case *logout:
		if err := client.Logout(); err != nil {
			log.Errorf("Logout failed: %v", err)
			os.Exit(1)
		}
		log.Successf("Logged out")
		return

	case *login:
		if *username == "" || *password == "" {
			log.Errorf("Both -username and -password are required with -login")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		defer cancel()
		if err := client.Login(ctx, *username, *password); err != nil {
			if errors.Is(err, api.ErrUnreachable) {
				log.Errorf("Cannot reach %s: %v", cfg.Credentials.BaseURL, err)
			} else {
				log.Errorf("Login failed: %v", err)
			}
			os.Exit(1)
		}
		return

	case *showWindow:
		printFocusedWindow(log, cfg)
		return

	case *mirrorRecent > 0:
		printMirroredRecords(log, cfg, *mirrorRecent)
		return
	}

	runAgent(log, cfg, client)
}

func runAgent(log *logging.Logger, cfg *config.Config, client *api.Client) {
	if os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("DISPLAY") == "" {
		log.Errorf("No graphical display found. Make sure you're running this in a Wayland or X11 session.")
		os.Exit(1)
	}

	if !client.HasSession() {
		log.Warningf("Not logged in. Activity is recorded locally and uploaded after %s -login", os.Args[0])
	}

	var st *store.Store
	st, err := store.Open(filepath.Join(cfg.Settings.StateDir, "pending.db"))
	if err != nil {
		log.Warningf("Local store unavailable, records will not survive restarts: %v", err)
		st = nil
	} else {
		defer st.Close()
	}

	var mir *mirror.Client
	if cfg.Settings.PostgresMirror != "" {
		mir, err = mirror.NewClient(log, cfg.Settings.PostgresMirror)
		if err != nil {
			log.Warningf("PostgreSQL mirror disabled: %v", err)
			mir = nil
		} else {
			defer mir.Close()
			log.Infof("PostgreSQL mirror enabled")
		}
	}

	var hook *webhook.Client
	if cfg.Settings.WebhookURL != "" {
		hook, err = webhook.NewClient(log, cfg.Settings.WebhookURL, cfg.Credentials.MachineID)
		if err != nil {
			log.Warningf("Webhook disabled: %v", err)
			hook = nil
		} else {
			log.Infof("Webhook forwarding enabled")
		}
	}

	inspector := window.NewDBusInspector(log)
	if _, err := inspector.CurrentWindow(); err != nil {
		log.Errorf("Failed to query the focused window: %v", err)
		fmt.Fprintf(os.Stderr, "\nMake sure the FocusedWindow GNOME Shell extension is installed and enabled.\n")
		fmt.Fprintf(os.Stderr, "Installation: https://extensions.gnome.org/extension/5839/focused-window-dbus/\n")
		os.Exit(1)
	}

	idleMon := window.NewIdleMonitor(log)
	if _, err := idleMon.IdleTime(); err != nil {
		log.Warningf("Mutter IdleMonitor unavailable: %v", err)
		idleMon = nil
	}

	a := agent.New(log, cfg, client, inspector, idleMon, st, mir, hook)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 toggles tracking without stopping the process.
	pauseCh := make(chan os.Signal, 1)
	signal.Notify(pauseCh, syscall.SIGUSR1)
	go func() {
		paused := false
		for range pauseCh {
			paused = !paused
			a.SetPaused(paused)
			if paused {
				log.Infof("Tracking paused (send SIGUSR1 again to resume)")
			} else {
				log.Infof("Tracking resumed")
			}
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Errorf("Agent failed: %v", err)
		os.Exit(1)
	}

	snap := a.Snapshot()
	color.New(color.FgCyan, color.Bold).Println("\n=== Session summary ===")
	fmt.Printf("Uploaded: %d records\n", snap.Delivered)
	if snap.QueueDepth > 0 {
		fmt.Printf("Pending:  %d records (persisted for next run)\n", snap.QueueDepth)
	}
	if snap.Failed > 0 {
		color.Yellow("Failed uploads: %d\n", snap.Failed)
	}
}

func printFocusedWindow(log *logging.Logger, cfg *config.Config) {
	inspector := window.NewDBusInspector(log)
	obs, err := inspector.CurrentWindow()
	if err != nil {
		log.Errorf("Error getting window info: %v", err)
		os.Exit(1)
	}
	if obs == nil {
		color.Yellow("No window in focus")
		return
	}

	key := color.New(color.FgMagenta).SprintfFunc()
	value := color.New(color.FgWhite, color.Bold).SprintfFunc()
	fmt.Printf("%s: %s %s\n", key("Focused window"), value("%s", obs.WindowTitle), color.HiBlackString("(%s)", obs.ProcessName))

	if rule, ok := cfg.Lookup(obs.ProcessName); ok {
		label := "unproductive"
		if rule.Productive {
			label = "productive"
		}
		fmt.Printf("%s: %s\n", key("Classified"), value("%s, %s", rule.Name, label))
	} else {
		fmt.Printf("%s: %s\n", key("Classified"), value("not tracked (no rule for %q)", obs.ProcessName))
	}
}

func printMirroredRecords(log *logging.Logger, cfg *config.Config, limit int) {
	mir, err := mirror.NewClient(log, cfg.Settings.PostgresMirror)
	if err != nil {
		log.Errorf("Cannot open mirror: %v", err)
		os.Exit(1)
	}
	defer mir.Close()

	records, err := mir.RecentRecords(limit)
	if err != nil {
		log.Errorf("Query failed: %v", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		color.Yellow("No mirrored records yet.")
		return
	}

	color.New(color.FgCyan, color.Bold).Printf("=== %d most recent records ===\n", len(records))
	for _, r := range records {
		flag := " "
		if r.Productive {
			flag = "*"
		}
		fmt.Printf("%s %s  %-20s %v  %q\n",
			flag,
			r.StartTime.Local().Format("2006-01-02 15:04"),
			r.AppName,
			r.Duration.Round(time.Second),
			r.WindowTitle)
	}
}
