package bfdclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pobradovic08/isis-bfd/internal/liveness"
)

// The detection service is reached over gRPC with google.protobuf.Struct
// messages on every method.
const (
	ServiceName = "isis.liveness.v1.LivenessService"

	methodRegisterClient = "/" + ServiceName + "/RegisterClient"
	methodPeerCommand    = "/" + ServiceName + "/PeerCommand"
	methodSubscribe      = "/" + ServiceName + "/Subscribe"
)

// Event types pushed on the Subscribe stream.
const (
	EventStatus = "status"
	EventReplay = "replay"
)

// ErrMalformedEvent is returned for stream events that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a decoded message from the Subscribe stream.
type Event struct {
	Type        string
	Interface   string
	Destination netip.Addr
	Status      liveness.Status
}

// encodeCommand builds the PeerCommand request for cmd. Sessions are always
// single hop with TTL 0 and independent of the control plane.
func encodeCommand(client string, cmd liveness.Command) (*structpb.Struct, error) {
	fields := map[string]any{
		"client":      client,
		"command":     cmd.Kind.String(),
		"family":      cmd.Family.String(),
		"destination": cmd.Destination.String(),
		"source":      cmd.Source.String(),
		"interface":   cmd.Interface,
		"ttl":         0,
		"multihop":    false,
		"cbit":        true,
	}
	if cmd.Kind != liveness.CommandDeregister {
		fields["min_rx"] = cmd.Timers.MinRx
		fields["min_tx"] = cmd.Timers.MinTx
		fields["detect_mult"] = uint32(cmd.Timers.DetectMult)
		fields["defaults"] = cmd.Timers.Defaults
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind, err)
	}
	return s, nil
}

func encodeClient(client string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"client": structpb.NewStringValue(client),
	}}
}

// decodeEvent parses one Subscribe message.
func decodeEvent(msg *structpb.Struct) (Event, error) {
	fields := msg.GetFields()
	ev := Event{Type: fields["type"].GetStringValue()}
	switch ev.Type {
	case EventReplay:
		return ev, nil
	case EventStatus:
	default:
		return ev, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}

	ev.Interface = fields["interface"].GetStringValue()
	dst, err := netip.ParseAddr(fields["destination"].GetStringValue())
	if err != nil {
		return ev, fmt.Errorf("%w: destination: %v", ErrMalformedEvent, err)
	}
	ev.Destination = dst
	st, err := liveness.ParseStatus(fields["status"].GetStringValue())
	if err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev.Status = st
	return ev, nil
}

// commandResult checks a PeerCommand or RegisterClient reply.
func commandResult(resp *structpb.Struct) error {
	fields := resp.GetFields()
	if v, ok := fields["ok"]; ok && !v.GetBoolValue() {
		return fmt.Errorf("rejected by service: %s", fields["error"].GetStringValue())
	}
	return nil
}

// LivenessServer is the server side of the detection service API.
type LivenessServer interface {
	RegisterClient(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PeerCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// RegisterLivenessServer registers srv on s.
func RegisterLivenessServer(s grpc.ServiceRegistrar, srv LivenessServer) {
	s.RegisterService(&livenessServiceDesc, srv)
}

func unaryHandler(call func(LivenessServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LivenessServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(LivenessServer), ctx, req.(*structpb.Struct))
		})
	}
}

var livenessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LivenessServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterClient",
			Handler:    unaryHandler(LivenessServer.RegisterClient, methodRegisterClient),
		},
		{
			MethodName: "PeerCommand",
			Handler:    unaryHandler(LivenessServer.PeerCommand, methodPeerCommand),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(LivenessServer).Subscribe(in, stream)
			},
		},
	},
}

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}
