package grpc

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	ggrpc "google.golang.org/grpc"

	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

// Handler receives every message a connected client sends. reply sends a
// message back on the same connection.
type Handler func(ctx context.Context, msg *message.Message, reply func(*message.Message) error)

// Server is the gateway end of the client connection.
type Server struct {
	log        logr.Logger
	serializer codec.Serializer
	handler    Handler
	grpcServer *ggrpc.Server
}

var _ gatewayServer = (*Server)(nil)

func NewServer(log logr.Logger, handler Handler, serializer codec.Serializer, opts ...ggrpc.ServerOption) *Server {
	if serializer == nil {
		serializer = codec.NewCBOR()
	}
	s := &Server{
		log:        log.WithName("grpc-gateway"),
		serializer: serializer,
		handler:    handler,
		grpcServer: ggrpc.NewServer(opts...),
	}
	s.grpcServer.RegisterService(&gatewayServiceDesc, s)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
}

func (s *Server) Connect(stream ggrpc.ServerStream) error {
	ctx := stream.Context()
	s.log.Info("client connected")

	var sendLock sync.Mutex
	reply := func(m *message.Message) error {
		data, err := encodeBatch(ctx, s.serializer, []*message.Message{m})
		if err != nil {
			return err
		}
		sendLock.Lock()
		defer sendLock.Unlock()
		return sendFrame(stream, data)
	}

	for {
		data, err := recvFrame(stream)
		if err != nil {
			if err == io.EOF {
				s.log.Info("client disconnected")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error(err, "client stream errored")
			return err
		}
		msgs, err := decodeBatch(ctx, s.serializer, data)
		if err != nil {
			s.log.Error(err, "dropping undecodable batch")
			continue
		}
		s.log.V(5).Info("Received batch", "size", len(msgs))
		for _, m := range msgs {
			s.handler(ctx, m, reply)
		}
	}
}
