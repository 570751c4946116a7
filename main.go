package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KlongLee/samba/api"
	"github.com/KlongLee/samba/stores"
)

const version = "1.0.0"

var storesDir = flag.String("dir", ".", "directory for storing persistent data")

func main() {
	log.Printf("Starting netlogond v%s...\n", version)

	// Parse command-line args.
	flag.Parse()
	dir, err := filepath.Abs(*storesDir)
	if err != nil {
		panic(err)
	}

	// Read the config file.
	cfg, err := stores.ReadConfig(dir)
	if err != nil {
		panic(err)
	}

	if cfg.Mode == "remote" {
		panic("remote mode not supported yet")
	} else if cfg.Mode != "loopback" {
		panic("invalid mode")
	}

	// Initialize stores.
	ctx := context.Background()
	var s store
	switch cfg.Store {
	case "json":
		ss, err := stores.NewJSONSecretsStore(dir)
		if err != nil {
			panic(err)
		}
		as, err := stores.NewJSONAccountStore(dir)
		if err != nil {
			panic(err)
		}
		s = &jsonStore{secrets: ss, accounts: as}
	case "postgres":
		if len(cfg.Database.Password) < 4 {
			panic("database password too short")
		}
		db, err := stores.NewStore(ctx, cfg.Database)
		if err != nil {
			panic(err)
		}
		defer db.Close()
		s = db
	default:
		panic("invalid store")
	}

	// Start the supervisor and establish the secure channel.
	sup, err := newSupervisor(ctx, cfg, s)
	if err != nil {
		panic(err)
	}
	if err := sup.connect(ctx); err != nil {
		log.Fatal(err)
	}

	// Start listening on the API port.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.APIPort))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Listening at %s ...\n", l.Addr())
	defer l.Close()

	a := api.NewAPI(sup)
	srv := &http.Server{Handler: api.BasicAuth(cfg.APIPassword)(a)}

	// Start a thread to watch for the stop signal.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		func() {
			for {
				select {
				case <-c:
					return
				case <-time.After(10 * time.Minute):
					sup.maintenance(ctx)
				}
			}
		}()

		log.Println("Received interrupt signal, shutting down...")
		a.Close()
		sup.close()
		srv.Close()
		l.Close()
		os.Exit(0)
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
