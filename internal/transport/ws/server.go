// Package ws exposes the viewer protocol over websockets: clients stream
// VIEWER_UPDATE messages in, the server mirrors them into the viewer
// registry and pushes per-tick STREAM_EVENT summaries out. A disconnect
// removes the viewer; the differ observes that as a full unload.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelstream.dev/internal/protocol"
	"voxelstream.dev/internal/voxel/engine"
	"voxelstream.dev/internal/voxel/viewer"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second

	// Event channel per client; slow clients drop events rather than stall
	// the update task.
	eventQueueSize = 64
)

type Server struct {
	engine *engine.Engine
	log    *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[viewer.ID]chan []byte
}

func NewServer(e *engine.Engine, logger *log.Logger) *Server {
	s := &Server{
		engine: e,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[viewer.ID]chan []byte{},
	}
	return s
}

// BroadcastTickEvents fans one tick summary out to every connected client.
// Wire it into the engine's TickEvents callback.
func (s *Server) BroadcastTickEvents(ev engine.TickEvents) {
	msg := protocol.StreamEventMsg{
		Type:              protocol.TypeStreamEvent,
		Tick:              ev.Tick,
		Loads:             ev.Loads,
		Unloads:           ev.Unloads,
		Saves:             ev.Saves,
		MeshUpdates:       ev.MeshUpdates,
		Activated:         ev.Activated,
		Deactivated:       ev.Deactivated,
		MeshUnloads:       ev.MeshUnloads,
		TransitionUpdates: ev.TransitionUpdates,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- b:
		default:
			// Client not keeping up; this tick's summary is lost for it.
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out := s.handshake(conn)
		if id == "" {
			return
		}
		defer s.dropClient(id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			s.handleMessage(conn, id, msg)
		}
	}
}

// handshake expects HELLO, registers a viewer and answers WELCOME with the
// engine parameters.
func (s *Server) handshake(conn *websocket.Conn) (viewer.ID, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != protocol.TypeHello {
		s.writeError(conn, protocol.CodeBadMessage, "expected HELLO")
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.writeError(conn, protocol.CodeUnsupportedVersion, "supported version: "+protocol.Version)
		return "", nil
	}
	if s.engine.Registry().Count() >= engine.MaxViewers {
		s.writeError(conn, protocol.CodeServerFull, "viewer table full")
		return "", nil
	}

	id := viewer.NewID()
	s.engine.Registry().Set(viewer.Viewer{ID: id})

	cfg := s.engine.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ViewerID:        string(id),
		EngineParams: protocol.EngineParams{
			TickRateHz:            cfg.TickRateHz,
			LodCount:              cfg.LodCount,
			DataBlockSize:         1 << uint(cfg.DataBlockSizePo2),
			MeshBlockSize:         1 << uint(cfg.MeshBlockSizePo2),
			LodDistanceVoxels:     cfg.LodDistanceVoxels,
			ViewDistanceCapVoxels: cfg.ViewDistanceCapVoxels,
			BoundsMin:             cfg.BoundsMin,
			BoundsSize:            cfg.BoundsSize,
		},
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		s.engine.Registry().Remove(id)
		return "", nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.engine.Registry().Remove(id)
		return "", nil
	}

	out := make(chan []byte, eventQueueSize)
	s.mu.Lock()
	s.clients[id] = out
	s.mu.Unlock()

	if s.log != nil {
		s.log.Printf("viewer %s connected", id)
	}
	return id, out
}

func (s *Server) handleMessage(conn *websocket.Conn, id viewer.ID, raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		s.writeError(conn, protocol.CodeBadMessage, "invalid json")
		return
	}

	switch base.Type {
	case protocol.TypeViewerUpdate:
		var m protocol.ViewerUpdateMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.ViewDistance < 0 {
			s.writeError(conn, protocol.CodeBadMessage, "invalid VIEWER_UPDATE")
			return
		}
		s.engine.Registry().Set(viewer.Viewer{
			ID:                 id,
			WorldPosition:      m.Position,
			ViewDistance:       m.ViewDistance,
			RequiresVisuals:    m.RequiresVisuals,
			RequiresCollisions: m.RequiresCollisions,
		})
	default:
		s.writeError(conn, protocol.CodeBadMessage, "unknown type "+base.Type)
	}
}

func (s *Server) writeError(conn *websocket.Conn, code, message string) {
	b, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) dropClient(id viewer.ID) {
	s.mu.Lock()
	if ch, ok := s.clients[id]; ok {
		delete(s.clients, id)
		close(ch)
	}
	s.mu.Unlock()

	s.engine.Registry().Remove(id)
	if s.log != nil {
		s.log.Printf("viewer %s disconnected", id)
	}
}
