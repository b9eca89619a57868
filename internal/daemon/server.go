// Package daemon expone el orquestador sobre un Unix socket con un protocolo
// JSON de una petición por conexión.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/logging"
)

// Server es el servidor Unix socket
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   *Handlers
	log        *logrus.Entry
	wg         sync.WaitGroup
}

// Request representa una petición al daemon
type Request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Response representa una respuesta del daemon. Code clasifica el error
// (not_found, conflict, configuration, blocked, transient) para el cliente.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// requestTimeout acota el tiempo de lectura de cada petición
const requestTimeout = 30 * time.Second

// NewServer crea un nuevo servidor
func NewServer(socketPath string, handlers *Handlers, logger logrus.FieldLogger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   handlers,
		log:        logging.Module(logger, "daemon"),
	}
}

// Start inicia el servidor. El accept loop termina con Stop o cuando ctx acaba.
func (s *Server) Start(ctx context.Context) error {
	// Crear directorio para socket
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Limpiar socket anterior si existe
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	// Permisos del socket
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.log.WithField("socket", s.socketPath).Info("server listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop acepta conexiones entrantes
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection maneja una conexión individual
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.write(conn, errorResponse(fmt.Errorf("decode request: %w", err)))
		return
	}

	s.log.WithField("action", req.Action).Debug("request received")

	resp := s.handlers.Dispatch(ctx, req)
	if !resp.Success {
		s.log.WithFields(logrus.Fields{"action": req.Action, "code": resp.Code}).Info(resp.Error)
	}
	s.write(conn, resp)
}

func (s *Server) write(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.WithError(err).Warn("failed to encode response")
	}
}

// Stop cierra el listener y espera las conexiones en curso
func (s *Server) Stop() error {
	s.log.Info("server stopping")
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}
