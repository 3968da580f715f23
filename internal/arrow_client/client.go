package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PortData is the default Flight port of the trace sink.
const PortData = 3000

// DefaultPath is the descriptor path trace records are put under.
var DefaultPath = []string{"bmllm", "steps"}

// FlightClient exports trace records to a Flight server with DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	path    []string
	timeout time.Duration
}

// NewFlightClient targets host:port. A non-positive port uses PortData.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		path:    DefaultPath,
		timeout: 30 * time.Second,
	}
}

// NewFlightClientAddr targets a host:port string.
func NewFlightClientAddr(addr string) (*FlightClient, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid trace port %q: %w", port, err)
	}
	return NewFlightClient(host, p), nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials the server. The gRPC connection is established lazily.
func (fc *FlightClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// Export streams rec in a single DoPut call and waits for the server to
// acknowledge the stream.
func (fc *FlightClient) Export(ctx context.Context, rec arrow.Record) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: fc.path})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}
}
