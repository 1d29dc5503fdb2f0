// Command ld06 reads an LD06 LiDAR over its serial port, decodes the scan
// packets and logs them, while keeping per-session framing statistics and
// serving admin debug routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ld06/internal/config"
	"github.com/banshee-data/ld06/internal/lidar/l1packets"
	"github.com/banshee-data/ld06/internal/lidardb"
	"github.com/banshee-data/ld06/internal/serialmux"
	"github.com/banshee-data/ld06/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a reader config JSON file (optional)")
	port          = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	baud          = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	listen        = flag.String("listen", "localhost:8082", "Admin HTTP listen address (empty to disable)")
	dbPath        = flag.String("db", "ld06.db", "Session database path (empty to disable)")
	devMode       = flag.Bool("dev", false, "Generate synthetic LD06 frames instead of opening a serial port")
	disableLidar  = flag.Bool("disable-lidar", false, "Run without a LiDAR attached")
	listPorts     = flag.Bool("list-ports", false, "List serial ports and exit")
	statsInterval = flag.Duration("stats-interval", 30*time.Second, "How often to log and persist framing stats (0 disables)")
	verbose       = flag.Bool("verbose", false, "Log every point distance of each scan")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// settings is the effective configuration after merging the config file and
// command line flags.
type settings struct {
	Port          string
	PortOptions   serialmux.PortOptions
	Monitor       serialmux.MonitorOptions
	Listen        string
	DBPath        string
	StatsInterval time.Duration
}

// resolveSettings layers explicitly set flags over cfg. setFlags holds the
// names of flags given on the command line.
func resolveSettings(cfg *config.ReaderConfig, setFlags map[string]bool) (settings, error) {
	s := settings{
		Port:          cfg.GetPort(),
		PortOptions:   cfg.PortOptions(),
		Monitor:       cfg.MonitorOptions(),
		Listen:        cfg.GetListen(),
		DBPath:        cfg.GetDBPath(),
		StatsInterval: cfg.GetStatsInterval(),
	}
	if setFlags["port"] {
		s.Port = *port
	}
	if setFlags["baud"] {
		s.PortOptions.BaudRate = *baud
	}
	if setFlags["listen"] {
		s.Listen = *listen
	}
	if setFlags["db"] {
		s.DBPath = *dbPath
	}
	if setFlags["stats-interval"] {
		s.StatsInterval = *statsInterval
	}

	opts, err := s.PortOptions.Normalise()
	if err != nil {
		return settings{}, fmt.Errorf("invalid serial options: %w", err)
	}
	s.PortOptions = opts
	if s.StatsInterval < 0 {
		return settings{}, fmt.Errorf("stats interval must be non-negative, got %s", s.StatsInterval)
	}
	return s, nil
}

func loadConfig(path string) (*config.ReaderConfig, error) {
	if path == "" {
		return config.EmptyReaderConfig(), nil
	}
	return config.LoadReaderConfig(path)
}

func openLidar(s settings) (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableLidar:
		log.Printf("LiDAR disabled, serving admin routes only")
		return serialmux.NewDisabledSerialMux(), nil
	case *devMode:
		// one LD06 frame covers about 8° at 600°/s
		return serialmux.NewMockSerialMux(15*time.Millisecond, 50, s.Monitor), nil
	default:
		return serialmux.NewRealSerialMux(s.Port, s.PortOptions, s.Monitor)
	}
}

// sessionRecorder is the part of lidardb.LidarDB used by reportStats.
type sessionRecorder interface {
	RecordStats(sessionID string, s l1packets.StatsSnapshot) error
}

// reportStats logs the framing counters every interval and, when rec is
// non-nil, persists each window against sessionID.
func reportStats(ctx context.Context, m serialmux.SerialMuxInterface, rec sessionRecorder, sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w := m.WindowStats()
			log.Printf("LD06 framing: %d frames (%d points), %d rejected [short=%d header=%d checksum=%d], %d/%d bytes discarded, speed %.1f±%.1f°/s over %s",
				w.FramesAccepted, w.PointsAccepted, w.FramesRejected(), w.TooShort, w.BadHeader,
				w.ChecksumMismatch, w.BytesDiscarded, w.BytesIngested, w.SpeedMean, w.SpeedStdDev,
				w.Duration.Round(time.Millisecond))
			if rec == nil {
				continue
			}
			if err := rec.RecordStats(sessionID, w); err != nil {
				log.Printf("failed to persist framing stats: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("ld06 %s\n", version.String())
		return
	}

	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatal(err)
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	s, err := resolveSettings(cfg, setFlags)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("ld06 %s starting on %s at %s", version.String(), s.Port, s.PortOptions)

	lidarSerial, err := openLidar(s)
	if err != nil {
		log.Fatalf("failed to open LiDAR port: %v", err)
	}
	defer lidarSerial.Close()

	var ldb *lidardb.LidarDB
	var sessionID string
	if s.DBPath != "" {
		ldb, err = lidardb.NewLidarDB(s.DBPath)
		if err != nil {
			log.Fatalf("failed to open session database: %v", err)
		}
		defer ldb.Close()

		notes := ""
		if *devMode {
			notes = "synthetic frames"
		}
		sessionID, err = ldb.StartSession(s.Port, s.PortOptions.String(), version.Version, notes)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		log.Printf("session %s started", sessionID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run(ctx, s, lidarSerial, ldb, sessionID)
	log.Printf("Graceful shutdown complete")
}

// run drives the reader until ctx is cancelled or the serial port stops
// producing data, then closes the session in ldb (when non-nil).
func run(ctx context.Context, s settings, lidarSerial serialmux.SerialMuxInterface, ldb *lidardb.LidarDB, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Create a wait group for the HTTP server, serial monitor, and scan handler routines
	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		// without a port there is nothing left to do, whatever the reason
		defer cancel()
		err := lidarSerial.Monitor(ctx)
		switch {
		case err == nil:
			log.Print("serial port reached end of stream")
		case !errors.Is(err, context.Canceled):
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to decoded scans and print them
	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.Forward(ctx, lidarSerial, serialmux.LogSink{Verbose: *verbose})
		log.Printf("subscribe routine terminated")
	}()

	if s.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var rec sessionRecorder
			if ldb != nil {
				rec = ldb
			}
			reportStats(ctx, lidarSerial, rec, sessionID, s.StatsInterval)
		}()
	}

	if s.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(ctx, s, lidarSerial, ldb)
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()

	if ldb != nil {
		if err := ldb.EndSession(sessionID, lidarSerial.Stats()); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}
}

func adminMux(s settings, lidarSerial serialmux.SerialMuxInterface, ldb *lidardb.LidarDB) *http.ServeMux {
	mux := http.NewServeMux()

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KV("LD06 port", fmt.Sprintf("%s %s", s.Port, s.PortOptions))

	lidarSerial.AttachAdminRoutes(mux)
	if ldb != nil {
		ldb.AttachAdminRoutes(mux)
	}
	return mux
}

func serveAdmin(ctx context.Context, s settings, lidarSerial serialmux.SerialMuxInterface, ldb *lidardb.LidarDB) {
	server := &http.Server{
		Addr:    s.Listen,
		Handler: adminMux(s, lidarSerial, ldb),
	}

	// Start server in a goroutine so it doesn't block
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start admin server: %v", err)
		}
	}()
	log.Printf("admin routes at http://%s/debug/", s.Listen)

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
}
