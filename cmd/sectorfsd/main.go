// Command sectorfsd serves filesystem facade operations over a Unix domain
// socket, backed by a single sector-device image.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/shutdown"

	"sectorfs/internal/config"
	"sectorfs/internal/fsys"
	"sectorfs/internal/version"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "sectorfsd.json", "Path to JSONC config file")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("FATAL: load config %q: %v", configPath, err)
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log.Printf("sectorfsd %s", version.Get().String())
	log.Printf("device: %s (%d sectors), format=%v, cache_slots=%d", cfg.DevicePath, cfg.SectorCount, cfg.FormatOnStart, cfg.CacheSlots)

	fs, err := fsys.Init(cfg.DevicePath, cfg.SectorCount, cfg.FormatOnStart, cfg.CacheSlots)
	if err != nil {
		log.Printf("FATAL: init filesystem: %v", err)
		fmt.Fprintln(os.Stderr, "Failed to init filesystem:", err)
		os.Exit(1)
	}
	shutdown.Register(fs.Shutdown)

	_ = os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		log.Printf("FATAL: listen %q: %v", cfg.SocketPath, err)
		fmt.Fprintln(os.Stderr, "Failed to listen:", err)
		shutdown.Run()
		os.Exit(1)
	}
	shutdown.Register(func() { _ = ln.Close(); _ = os.Remove(cfg.SocketPath) })

	log.Printf("listening on %s", cfg.SocketPath)

	srv := newServer(fs)
	defer shutdown.Run()

	// SIGINT/SIGTERM close the listener, which ends the accept loop below
	// and lets the deferred shutdown.Run flush and release everything.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			return
		}
		go srv.handleConn(conn)
	}
}
