// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/MikhailOznobikhin/moznods/internal/app"
	"github.com/MikhailOznobikhin/moznods/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	noVideo  = flag.Bool("no-video", false, "Join calls without camera")
	limit    = flag.Int("n", 20, "Number of history entries to show")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("moznods v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: call command requires directory path and room id")
			fmt.Fprintln(os.Stderr, "Usage: moznods call <client-directory> <room-id>")
			os.Exit(1)
		}
		roomID, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid room id %q\n", args[2])
			os.Exit(1)
		}
		runCall(args[1], roomID)

	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: history command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: moznods history <client-directory>")
			os.Exit(1)
		}
		runHistory(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCall(dirArg string, roomID int64) {
	absDir, cfgPath, cfg := loadClient(dirArg)

	printCallBanner(absDir, cfgPath, roomID, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nLeaving call...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ClientDir: absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
		RoomID:    roomID,
		WantVideo: !*noVideo && !cfg.Media.DisableVideo,
	}); err != nil {
		log.Fatalf("Call failed: %v", err)
	}
}

func runHistory(dirArg string) {
	absDir, _, cfg := loadClient(dirArg)
	if err := app.RunHistory(absDir, cfg, *limit); err != nil {
		log.Fatalf("History failed: %v", err)
	}
}

// loadClient resolves the client directory and loads (or creates) its
// config file.
func loadClient(dirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s", absDir)
	}

	cfgPath = filepath.Join(absDir, "moznods.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s — set server.ws_url and identity.token_file", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func showUsage() {
	fmt.Println("moznods - room call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  moznods call <directory> <room-id>   Join a room's call")
	fmt.Println("  moznods history <directory>          Show recent calls")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  call <directory> <room-id>")
	fmt.Println("        Join the call in the given room. The directory holds the")
	fmt.Println("        moznods.json configuration, the access token and local data.")
	fmt.Println()
	fmt.Println("  history <directory>")
	fmt.Println("        Show the local call log for that client directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h         Show this help message")
	fmt.Println("  -version   Show version information")
	fmt.Println("  -no-video  Join without the camera (audio-only)")
	fmt.Println("  -n <num>   History entries to show (default 20)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Join room 7 with camera and microphone")
	fmt.Println("  moznods call ./clients/alice 7")
	fmt.Println()
	fmt.Println("  # Join audio-only")
	fmt.Println("  moznods -no-video call ./clients/alice 7")
}

func printCallBanner(clientDir, cfgPath string, roomID int64, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  moznods Call Client                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", clientDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Server:           %s\n", cfg.Server.WSURL)
	fmt.Printf("Room:             %d\n", roomID)
	if cfg.Media.DisableVideo {
		fmt.Println("Mode: audio-only (video disabled in config)")
	}
	fmt.Println()
	fmt.Println("Joining call... (h for commands, Ctrl+C to leave)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
