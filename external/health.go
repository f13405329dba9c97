package external

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthClient queries the gRPC health service of a running ledger.
type HealthClient struct {
	address string
	secure  bool
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
}

func NewHealthClient(address string, secure bool) *HealthClient {
	return &HealthClient{address: address, secure: secure}
}

func (c *HealthClient) connect(tc credentials.TransportCredentials) error {
	var err error
	if c.conn, err = grpc.Dial(c.address, grpc.WithTransportCredentials(tc)); err != nil {
		return err
	}
	c.client = healthpb.NewHealthClient(c.conn)
	return nil
}

func (c *HealthClient) check(service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return r.GetStatus(), nil
}

// Check returns the serving status of service, or of the whole server if
// service is empty.
func (c *HealthClient) Check(service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	// Connect if not yet connected.
	if c.conn == nil || c.client == nil {
		// Try TLS first. An empty TLS config will use the system's root CAs.
		if err := c.connect(credentials.NewTLS(&tls.Config{})); err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN, err
		}
		st, err := c.check(service)
		if err == nil || c.secure || status.Code(err) != codes.Unavailable {
			return st, err
		}

		// If TLS fails, try falling back to insecure gRPC.
		c.Close()
		if err := c.connect(insecure.NewCredentials()); err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN, err
		}
	}
	return c.check(service)
}

func (c *HealthClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.client = nil
	return err
}
