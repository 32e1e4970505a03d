package main

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/ridewatch/ridewatch/app/arrival-poller/poller"
	"github.com/ridewatch/ridewatch/foundation/database"
	"github.com/ridewatch/ridewatch/foundation/keyvalue"
)

var build = "develop"

// main runs one scheduler invocation of the background poll tasks. A
// non-zero exit status reports task failure back to the OS scheduler so it
// can adjust retry scheduling.
func main() {
	log := logger.New(os.Stdout, "ARRIVAL_POLLER : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
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
			URL           string `conf:"default:nats://127.0.0.1:4222"`
			NotifySubject string `conf:"default:ridewatch.notify.dispatch"`
		}
		Redis struct {
			Addr string `conf:"default:localhost:6379"`
			DB   int    `conf:"default:0"`
		}
		Poller struct {
			RouteId            string `conf:"default:route-1"`
			ReadTimeoutSeconds int    `conf:"default:10"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "One-shot background poll of vehicle position and admin alerts"
	const prefix = "POLLER"
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

	log.Printf("main : Started : Poll invocation : version %s", build)
	defer log.Println("main: Completed")

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
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	natsConn, err := nats.Connect(cfg.NATS.URL, nats.Name("arrival-poller"))
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer natsConn.Close()

	openCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Poller.ReadTimeoutSeconds)*time.Second)
	defer cancel()
	kv, err := keyvalue.Open(openCtx, keyvalue.Config{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to key-value store: %w", err)
	}
	defer func() {
		err = kv.Close()
		if err != nil {
			log.Printf("main: error closing key-value store: %v", err)
		}
	}()

	return poller.RunPollTasks(log, db, kv, natsConn, cfg.NATS.NotifySubject, poller.Conf{
		RouteId:     cfg.Poller.RouteId,
		ReadTimeout: time.Duration(cfg.Poller.ReadTimeoutSeconds) * time.Second,
	})
}
