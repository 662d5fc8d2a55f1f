package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified methods of the speech service. Requests and replies are
// google.protobuf.Struct values carrying the same fields as the JSON API.
const (
	methodProcessAudio = "/hearthly.speech.v1.SpeechService/ProcessAudio"
	methodProcessText  = "/hearthly.speech.v1.SpeechService/ProcessText"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient calls the speech backend over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCClient connects to the speech service and waits until the
// connection is ready so a bad endpoint fails at startup.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("speech service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to speech service", "address", cfg.Address)
	return &GRPCClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// ProcessAudio sends a recorded utterance.
func (c *GRPCClient) ProcessAudio(ctx context.Context, audio []byte) (*Reply, error) {
	return c.invoke(ctx, methodProcessAudio, map[string]any{
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

// ProcessText sends a typed utterance.
func (c *GRPCClient) ProcessText(ctx context.Context, text string) (*Reply, error) {
	return c.invoke(ctx, methodProcessText, map[string]any{"text": text})
}

func (c *GRPCClient) invoke(ctx context.Context, method string, fields map[string]any) (*Reply, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		c.logger.Warn("speech call failed", "method", method, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}

	m := out.GetFields()
	audio, err := decodeAudio(m["audio"].GetStringValue())
	if err != nil {
		return nil, err
	}
	return &Reply{Audio: audio, Transcript: m["transcript"].GetStringValue()}, nil
}

// Close releases the connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

var _ Backend = (*GRPCClient)(nil)
