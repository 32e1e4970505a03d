package main

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/app/arrival-notifier/notifier"
	"github.com/ridewatch/ridewatch/foundation/database"
	"github.com/ridewatch/ridewatch/foundation/keyvalue"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "ARRIVAL_NOTIFIER : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	// load .env into environment, ignore if missing
	_ = godotenv.Load()

	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User       string `conf:"default:postgres"`
			Password   string `conf:"default:postgres,noprint"`
			Host       string `conf:"default:0.0.0.0"`
			Name       string `conf:"default:postgres"`
			DisableTLS bool   `conf:"default:true"`
		}
		NATS struct {
			URL                  string `conf:"default:nats://127.0.0.1:4222"`
			StopSubjectPrefix    string `conf:"default:ridewatch.stops."`
			VehicleSubjectPrefix string `conf:"default:ridewatch.vehicle."`
			NotifySubject        string `conf:"default:ridewatch.notify.dispatch"`
		}
		Redis struct {
			Addr string `conf:"default:localhost:6379"`
			DB   int    `conf:"default:0"`
		}
		Notifier struct {
			RouteId                 string  `conf:"default:route-1"`
			RiderStop               string  `conf:"required"`
			ArrivalRadiusMeters     float64 `conf:"default:100"`
			JitterThresholdDegrees  float64 `conf:"default:0.0001"`
			ActiveStartHour         int     `conf:"default:6"`
			ActiveEndHour           int     `conf:"default:22"`
			CheckIntervalSeconds    int     `conf:"default:30"`
			ProbeTimeoutSeconds     int     `conf:"default:10"`
			ResubscribeDelaySeconds int     `conf:"default:10"`
			HTTPPort                int     `conf:"default:8090"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Watch a route's stop timeline and notify the rider as the bus approaches"
	const prefix = "NOTIFIER"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// =========================================================================
	// Start NATS

	log.Printf("main: Connecting to NATS at %s", cfg.NATS.URL)

	natsConn, err := nats.Connect(cfg.NATS.URL, nats.Name("arrival-notifier"))
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer func() {
		log.Println("main: NATS Stopping")
		natsConn.Close()
	}()

	// =========================================================================
	// Start key-value store

	log.Printf("main: Connecting to key-value store at %s", cfg.Redis.Addr)

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, err := keyvalue.Open(openCtx, keyvalue.Config{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to key-value store: %w", err)
	}
	defer func() {
		log.Println("main: key-value store Stopping")
		err = kv.Close()
		if err != nil {
			log.Printf("main: error closing key-value store: %v", err)
		}
	}()

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	return notifier.StartArrivalNotifier(log, db, natsConn, kv, shutdown, notifier.Conf{
		RouteId:                 cfg.Notifier.RouteId,
		RiderStop:               cfg.Notifier.RiderStop,
		StopSubjectPrefix:       cfg.NATS.StopSubjectPrefix,
		VehicleSubjectPrefix:    cfg.NATS.VehicleSubjectPrefix,
		NotifySubject:           cfg.NATS.NotifySubject,
		ArrivalRadiusMeters:     cfg.Notifier.ArrivalRadiusMeters,
		JitterThresholdDegrees:  cfg.Notifier.JitterThresholdDegrees,
		ActiveStartHour:         cfg.Notifier.ActiveStartHour,
		ActiveEndHour:           cfg.Notifier.ActiveEndHour,
		CheckIntervalSeconds:    cfg.Notifier.CheckIntervalSeconds,
		ProbeTimeoutSeconds:     cfg.Notifier.ProbeTimeoutSeconds,
		ResubscribeDelaySeconds: cfg.Notifier.ResubscribeDelaySeconds,
		HTTPPort:                cfg.Notifier.HTTPPort,
	})
}
