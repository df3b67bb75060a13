// Package healthz exposes the bridge's connection state as a standard
// gRPC health check service, grounded on the way rpcplugin-go's
// serverGRPC registers google.golang.org/grpc/health for exactly the
// same reason: "clients use it to detect unresponsive servers." The
// wire protocol this module speaks to the desktop is JSON-over-
// WebSocket, not gRPC; this service exists purely so a process
// supervisor (or anything else gRPC-aware) can poll the device
// process's connection state the same way rpcplugin-go's clients poll
// a plugin's.
package healthz

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name this package reports
// status under.
const ServiceName = "devbridge"

// Listener serves the health service on one listener. Its Serve/Stop
// methods match the actor signature github.com/oklog/run's run.Group
// expects, the same pairing rpcplugin-go uses for its scheduler pump.
type Listener struct {
	addr       string
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
}

// Listen binds addr and prepares (but does not yet start) the health
// service. The initial status is NOT_SERVING until SetConnected(true)
// is called.
func Listen(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	healthCheck := health.NewServer()
	healthCheck.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthCheck)

	return &Listener{
		addr:       addr,
		listener:   l,
		grpcServer: server,
		health:     healthCheck,
	}, nil
}

// SetConnected mirrors the Connection Manager's Connected state into the
// gRPC health status: SERVING once the device has a live, trusted
// connection to the desktop, NOT_SERVING otherwise.
func (l *Listener) SetConnected(connected bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if connected {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	l.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until Stop is called or the listener fails.
func (l *Listener) Serve() error {
	return l.grpcServer.Serve(l.listener)
}

// Stop shuts the health service down. The error argument is ignored,
// matching run.Group's actor interrupt signature.
func (l *Listener) Stop(error) {
	l.grpcServer.GracefulStop()
}
