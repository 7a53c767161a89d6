package grpc

import (
	ggrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName       = "goorleans.gateway.v1.Gateway"
	connectStreamName = "Connect"
	connectMethod     = "/" + serviceName + "/" + connectStreamName
)

// gatewayServer is implemented by the silo side of the connection. Every
// frame on the stream is a BytesValue holding one encoded batch.
type gatewayServer interface {
	Connect(stream ggrpc.ServerStream) error
}

var gatewayServiceDesc = ggrpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*gatewayServer)(nil),
	Streams: []ggrpc.StreamDesc{
		{
			StreamName:    connectStreamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gateway.proto",
}

func connectHandler(srv interface{}, stream ggrpc.ServerStream) error {
	return srv.(gatewayServer).Connect(stream)
}

type frameStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

func sendFrame(s frameStream, data []byte) error {
	return s.SendMsg(&wrapperspb.BytesValue{Value: data})
}

func recvFrame(s frameStream) ([]byte, error) {
	frame := &wrapperspb.BytesValue{}
	if err := s.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame.GetValue(), nil
}
