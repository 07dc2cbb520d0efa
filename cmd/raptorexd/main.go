package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/RefikCodes/raptorex-core/config"
	"github.com/RefikCodes/raptorex-core/machine"
	"github.com/RefikCodes/raptorex-core/transport"
)

func main() {
	app := &cli.App{
		Name:  "raptorexd",
		Usage: "GRBL/FluidNC machine session daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "raptorex.yaml", Usage: "configuration file"},
			&cli.StringFlag{Name: "listen", Usage: "HTTP bind address"},
			&cli.StringFlag{Name: "device", Usage: "serial device path"},
			&cli.IntFlag{Name: "baud", Usage: "serial baud rate"},
			&cli.StringFlag{Name: "log-level", Usage: "zap log level"},
			&cli.BoolFlag{Name: "home-on-connect", Usage: "run $H after every connect"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("device") {
		cfg.Serial.Device = c.String("device")
	}
	if c.IsSet("baud") {
		cfg.Serial.Baud = c.Int("baud")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("home-on-connect") {
		cfg.Session.HomeOnConnect = c.Bool("home-on-connect")
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	m := machine.New(cfg.MachineConfig(), log.Named("machine"))

	if cfg.Serial.AutoConnect {
		go autoConnect(m, cfg, log.Named("watch"))
	} else if cfg.Serial.Device != "" {
		go connectOnce(m, cfg.Serial.Device, cfg.Serial.Baud, log)
	}

	a := newAPI(m, cfg, log.Named("api"))
	log.Infow("listening", "addr", cfg.Listen)
	return http.ListenAndServe(cfg.Listen, withAccessLog(a, log))
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func withAccessLog(next http.Handler, log *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Debugw("request", "method", req.Method, "path", req.URL.Path, "remote", req.RemoteAddr)
		next.ServeHTTP(w, req)
	})
}

func connectOnce(m *machine.Machine, device string, baud int, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := m.Connect(ctx, device, baud); err != nil {
		log.Errorw("initial connect failed", "device", device, "error", err)
	}
}

// autoConnect follows hot-plug events and (re)connects whenever a
// candidate device appears while the session is down.
func autoConnect(m *machine.Machine, cfg config.Config, log *zap.SugaredLogger) {
	w := transport.NewWatcher(time.Duration(cfg.Serial.WatchInterval))
	for devices := range w.Changes() {
		if m.ConnState() != machine.Disconnected || len(devices) == 0 {
			continue
		}
		device := devices[0]
		for _, d := range devices {
			if d == cfg.Serial.Device {
				device = d
			}
		}
		log.Infow("device detected", "device", device)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := m.Connect(ctx, device, cfg.Serial.Baud); err != nil {
			log.Errorw("auto connect failed", "device", device, "error", err)
		}
		cancel()
	}
}
