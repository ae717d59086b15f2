// Command server runs a headless LOD voxel streaming engine: viewers
// connect over websocket, the update task streams data and mesh chunks
// around them, and edited blocks are persisted to sqlite.
//
// Voxel generation and mesh polygonization are pluggable collaborators; the
// built-in ones are minimal stand-ins so the server is usable end to end.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxelstream.dev/internal/persistence/blockdb"
	"voxelstream.dev/internal/transport/ws"
	"voxelstream.dev/internal/voxel/config"
	"voxelstream.dev/internal/voxel/engine"
	"voxelstream.dev/internal/voxel/mathx"
)

// flatMesher is the stand-in polygonizer: it emits no geometry but keeps
// the mesh lifecycle (build, activate, unload) running for collision-only
// and headless setups.
type flatMesher struct{}

func (flatMesher) BuildMesh(pos mathx.Vec3i, lod int, voxels [][]byte) engine.MeshOutput {
	return engine.MeshOutput{}
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "", "path to engine.yaml (empty: defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the saved-block store")
		verbose    = flag.Bool("verbose", false, "verbose streaming diagnostics")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalf("loading config: %v", err)
		}
	}
	if cfg.BlockDBPath == "" {
		cfg.BlockDBPath = *dataDir + "/blocks.db"
	}

	var store *blockdb.Store
	if !*disableDB {
		var err error
		store, err = blockdb.Open(cfg.BlockDBPath)
		if err != nil {
			logger.Fatalf("opening block store: %v", err)
		}
	}

	generate := func(pos mathx.Vec3i, lod int) []byte {
		// Stand-in generator: uniform air. Real volumes inject their own.
		size := 1 << uint(cfg.DataBlockSizePo2)
		return make([]byte, size*size*size)
	}

	// The transport needs the engine, and the engine's tick callback needs
	// the transport; close over the variable to break the cycle.
	var wsServer *ws.Server

	lodMirror := func(parentPos mathx.Vec3i, parentLod int, children [][]byte) []byte {
		// Stand-in downsampler: uniform air, like the generator. Real
		// volumes inject their own alongside it.
		size := 1 << uint(cfg.DataBlockSizePo2)
		return make([]byte, size*size*size)
	}

	eng, err := engine.New(cfg, generate, engine.Options{
		Store:  store,
		Mesher: flatMesher{},
		Lodder: lodMirror,
		Callbacks: engine.Callbacks{
			TickEvents: func(ev engine.TickEvents) {
				if wsServer != nil {
					wsServer.BroadcastTickEvents(ev)
				}
			},
		},
		Logger:  logger,
		Verbose: *verbose,
	})
	if err != nil {
		logger.Fatalf("creating engine: %v", err)
	}

	wsServer = ws.NewServer(eng, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/viewer", wsServer.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)

	httpServer := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http: %v", err)
		}
	}()

	go eng.Run(ctx)

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
