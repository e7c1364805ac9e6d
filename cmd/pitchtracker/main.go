// Command pitchtracker is the thin composition root for the stereo
// pitch-tracking pipeline: it parses flags, loads the typed config and
// calibration profile, wires them into an orchestrator.Orchestrator, and
// runs until SIGINT/SIGTERM. Grounded on cmd/radar/radar.go's shape (flag
// vars, -version handling, three-stream logging via env vars,
// signal.NotifyContext-driven shutdown) with the serial/db/lidar wiring
// replaced by a single orchestrator.New call.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/orchestrator"
	"github.com/berginj/pitchtracker/internal/triggerbus"
	"github.com/berginj/pitchtracker/internal/version"
)

var (
	configPath  = flag.String("config", "", "path to JSON pipeline configuration (defaults to config.Default() when empty)")
	calibPath   = flag.String("calibration", "", "path to TOML calibration profile (required)")
	leftSerial  = flag.String("left-serial", "", "left camera serial (required)")
	rightSerial = flag.String("right-serial", "", "right camera serial (required)")
	sessionName = flag.String("session", "", "session name to start immediately at launch; omit to wait for the trigger bus or leave capture idle")
	triggerPort = flag.String("trigger-port", "", "serial device for the optional external trigger button (e.g. /dev/ttyACM0); omit to disable")
	shutdownSec = flag.Int("shutdown-timeout-sec", 60, "seconds to wait for pipeline threads to join on stop_capture")

	versionFlag  = flag.Bool("version", false, "print version information and exit")
	versionShort = flag.Bool("v", false, "print version information and exit (shorthand)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)

	// Three-stream logging: PITCHTRACKER_{OPS,DIAG,TRACE}_LOG env vars,
	// mirroring the teacher's VELOCITY_LIDAR_{OPS,DEBUG,TRACE}_LOG
	// convention. Any stream left unset falls back to the first
	// explicitly set path so output is never silently dropped; trace
	// stays discarded unless a path is given.
	logFiles, err := configureLogging()
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	defer func() {
		for _, f := range logFiles {
			if cerr := f.Close(); cerr != nil {
				log.Printf("warning: failed to close log file: %v", cerr)
			}
		}
	}()

	if *versionFlag || *versionShort {
		fmt.Printf("pitchtracker v%s (schema %s, git %s)\n", version.AppVersion, version.SchemaVersion, version.GitSHA)
		os.Exit(0)
	}

	if *calibPath == "" {
		log.Fatal("--calibration is required")
	}
	if *leftSerial == "" || *rightSerial == "" {
		log.Fatal("--left-serial and --right-serial are required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	profile, err := calib.Load(*calibPath)
	if err != nil {
		log.Fatalf("failed to load calibration profile %s: %v", *calibPath, err)
	}

	obslog.Diag("pitchtracker v%s starting (left=%s right=%s)", version.AppVersion, *leftSerial, *rightSerial)

	o := orchestrator.New(orchestrator.Options{ShutdownTimeout: time.Duration(*shutdownSec) * time.Second})
	if err := o.StartCapture(cfg, *leftSerial, *rightSerial, profile); err != nil {
		log.Fatalf("start_capture failed: %v", err)
	}

	if *triggerPort != "" {
		if err := o.StartTriggerBus(*triggerPort, triggerbus.DefaultPortOptions()); err != nil {
			obslog.Ops("trigger bus disabled: %v", err)
		} else {
			obslog.Diag("trigger bus armed on %s", *triggerPort)
		}
	}

	if *sessionName != "" {
		dir, err := o.StartSession(*sessionName)
		if err != nil {
			log.Fatalf("start_session failed: %v", err)
		}
		obslog.Diag("session %q recording to %s", *sessionName, dir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	obslog.Diag("shutdown signal received, stopping pipeline")

	if *triggerPort != "" {
		if err := o.StopTriggerBus(); err != nil {
			obslog.Ops("stop_trigger_bus: %v", err)
		}
	}
	if *sessionName != "" {
		if _, err := o.StopSession(); err != nil {
			obslog.Ops("stop_session: %v", err)
		}
	}
	if err := o.StopCapture(); err != nil {
		log.Fatalf("stop_capture failed: %v", err)
	}

	obslog.Diag("pipeline stopped cleanly")
}

// configureLogging wires obslog's three streams to PITCHTRACKER_{OPS,
// DIAG,TRACE}_LOG env vars when set, matching the teacher's opt-in file
// logging so a default run stays on stdout/stderr.
func configureLogging() ([]*os.File, error) {
	opsPath := os.Getenv("PITCHTRACKER_OPS_LOG")
	diagPath := os.Getenv("PITCHTRACKER_DIAG_LOG")
	tracePath := os.Getenv("PITCHTRACKER_TRACE_LOG")
	if opsPath == "" && diagPath == "" && tracePath == "" {
		return nil, nil
	}
	fallback := opsPath
	if fallback == "" {
		fallback = diagPath
	}
	if fallback == "" {
		fallback = tracePath
	}
	if opsPath == "" {
		opsPath = fallback
	}
	if diagPath == "" {
		diagPath = fallback
	}

	var files []*os.File
	open := func(path string) (io.Writer, error) {
		if path == "" {
			return io.Discard, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		files = append(files, f)
		return f, nil
	}

	ops, err := open(opsPath)
	if err != nil {
		return files, err
	}
	diag, err := open(diagPath)
	if err != nil {
		return files, err
	}
	trace, err := open(tracePath)
	if err != nil {
		return files, err
	}
	obslog.SetWriters(ops, diag, trace)
	return files, nil
}

