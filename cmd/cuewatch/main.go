package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sevlyar/go-daemon"

	"cuewatch/internal/app"
	"cuewatch/internal/config"
	"cuewatch/internal/logging"
)

var (
	configPath = flag.String("c", "", "Path to configuration file (e.g., config.yaml). Defaults to ./config.yaml, ~/.config/cuewatch/config.yaml, /etc/cuewatch/config.yaml")
	logPath    = flag.String("log", "", "Path to log file (overrides log.path, defaults to stderr)")
	logLevel   = flag.String("level", "", "Minimum log level: TRACE, DEBUG, INFO, WARN, ERROR (overrides log.level)")
	daemonize  = flag.Bool("d", false, "Detach and run in the background")
	pidFile    = flag.String("pid", "", "PID file written in daemon mode (default: next to the socket)")
)

// detach forks into the background. It returns false in the parent, which
// should exit.
func detach(socketPath string) (*daemon.Context, bool) {
	pid := *pidFile
	if pid == "" {
		pid = socketPath + ".pid"
	}
	cntxt := &daemon.Context{
		PidFileName: pid,
		PidFilePerm: 0644,
		Umask:       027,
	}
	child, err := cntxt.Reborn()
	if err != nil {
		log.Fatalf("[ERROR] Failed to daemonize: %v", err)
	}
	if child != nil {
		fmt.Printf("cuewatch started in background (pid %d)\n", child.Pid)
		return nil, false
	}
	return cntxt, true
}

func main() {
	flag.Parse()

	// Filter at INFO until the configured level is known.
	log.SetOutput(logging.NewFilter(os.Stderr, "INFO"))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] Failed to load configuration: %v", err)
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if *daemonize {
		if cfg.Log.Path == "" {
			log.Println("[WARN] Daemon mode without a log file; log output is discarded.")
		}
		cntxt, child := detach(cfg.SocketPath)
		if !child {
			return
		}
		defer cntxt.Release()
	}

	logFile, logErr := logging.Setup(cfg.Log.Path, cfg.Log.Level)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "Error setting up file logging: %v. Logging to stderr instead.\n", logErr)
		log.SetOutput(logging.NewFilter(os.Stderr, cfg.Log.Level))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("[ERROR] Failed to create application: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Printf("[ERROR] Application exited with error: %v", err)
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}

	log.Println("[INFO] cuewatch finished successfully.")
}
