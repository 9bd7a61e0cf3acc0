// Package device is the P4Runtime client used to program a single switch:
// mastership arbitration, pipeline installation, table entry reads and
// writes, and counter reads. Every unary RPC is bounded by the
// connection's RPC timeout.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/roach88/switchsync/internal/ir"
)

// Op is a table write operation.
type Op int

const (
	OpInsert Op = iota + 1
	OpModify
	OpDelete
)

// String returns the P4Runtime update type name.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

func (o Op) updateType() p4v1.Update_Type {
	switch o {
	case OpInsert:
		return p4v1.Update_INSERT
	case OpModify:
		return p4v1.Update_MODIFY
	case OpDelete:
		return p4v1.Update_DELETE
	default:
		return p4v1.Update_UNSPECIFIED
	}
}

// Sentinel write outcomes. Callers use errors.Is; they are not classified
// failures because both are routine during a resync.
var (
	ErrAlreadyExists = errors.New("entry already exists")
	ErrNotFound      = errors.New("entry not found")
)

// Options configures a connection.
type Options struct {
	// Name identifies the switch in logs and errors.
	Name string
	// Address is the gRPC target, e.g. "127.0.0.1:50051".
	Address string
	// DeviceID is the P4Runtime device id.
	DeviceID uint64
	// ElectionID is the low 64 bits of this controller's election id.
	ElectionID uint64
	// RPCTimeout bounds every unary RPC and the arbitration handshake.
	// Zero means no per-RPC deadline beyond the caller's context.
	RPCTimeout time.Duration
	// DialOptions are appended after the default insecure credentials.
	DialOptions []grpc.DialOption
}

// Conn is a P4Runtime session with one switch. Mastership is held for as
// long as the stream channel opened by AcquireMastership stays open, so a
// Conn must be closed to release it.
type Conn struct {
	opts   Options
	conn   *grpc.ClientConn
	client p4v1.P4RuntimeClient

	mu           sync.Mutex
	streamCancel context.CancelFunc
	closed       bool
}

// Dial creates a client connection. gRPC connects lazily, so an
// unreachable switch surfaces on the first RPC rather than here.
func Dial(opts Options) (*Conn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, &ir.Error{
			Code:    ir.ErrDeviceUnreachable,
			Message: fmt.Sprintf("dial %s", opts.Address),
			Device:  opts.Name,
			Err:     err,
		}
	}
	return &Conn{
		opts:   opts,
		conn:   conn,
		client: p4v1.NewP4RuntimeClient(conn),
	}, nil
}

// Name returns the switch name.
func (c *Conn) Name() string {
	return c.opts.Name
}

func (c *Conn) electionID() *p4v1.Uint128 {
	return &p4v1.Uint128{High: 0, Low: c.opts.ElectionID}
}

func (c *Conn) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RPCTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.RPCTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Conn) fail(code ir.ErrorCode, msg string, err error) *ir.Error {
	e := ir.WrapError(code, msg, err)
	e.Device = c.opts.Name
	return e
}

// AcquireMastership opens the stream channel and sends a master
// arbitration update with this controller's election id. A response whose
// status is not OK means another controller is primary.
func (c *Conn) AcquireMastership(ctx context.Context) error {
	waitCtx, waitCancel := c.rpcContext(ctx)
	defer waitCancel()

	// The stream outlives this call, so it gets its own context; the
	// handshake deadline only applies until arbitration completes.
	streamCtx, cancel := context.WithCancel(context.Background())
	stopGuard := context.AfterFunc(waitCtx, cancel)

	stream, err := c.client.StreamChannel(streamCtx)
	if err != nil {
		cancel()
		return c.fail(ir.ErrDeviceUnreachable, "open stream channel", err)
	}

	err = stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   c.opts.DeviceID,
				ElectionId: c.electionID(),
			},
		},
	})
	if err != nil {
		cancel()
		return c.fail(ir.ErrDeviceUnreachable, "send arbitration", err)
	}

	first := make(chan arbitrationResult, 1)
	go c.receive(stream, first)

	select {
	case <-waitCtx.Done():
		cancel()
		return c.fail(ir.ErrDeviceUnreachable, "await arbitration", waitCtx.Err())
	case res := <-first:
		if res.err != nil {
			cancel()
			return c.fail(ir.ErrDeviceUnreachable, "await arbitration", res.err)
		}
		if code := codes.Code(res.update.GetStatus().GetCode()); code != codes.OK {
			cancel()
			return &ir.Error{
				Code: ir.ErrMastershipDenied,
				Message: fmt.Sprintf("election id %d is not primary (%s: %s)",
					c.opts.ElectionID, code, res.update.GetStatus().GetMessage()),
				Device: c.opts.Name,
			}
		}
	}

	if !stopGuard() {
		cancel()
		return c.fail(ir.ErrDeviceUnreachable, "await arbitration", waitCtx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.streamCancel = cancel
	return nil
}

type arbitrationResult struct {
	update *p4v1.MasterArbitrationUpdate
	err    error
}

// receive reports the first arbitration response on first, then keeps
// draining the stream until it closes so the switch never blocks on us.
func (c *Conn) receive(stream p4v1.P4Runtime_StreamChannelClient, first chan<- arbitrationResult) {
	reported := false
	for {
		resp, err := stream.Recv()
		if err != nil {
			if !reported {
				first <- arbitrationResult{err: err}
			} else if status.Code(err) != codes.Canceled && !errors.Is(err, io.EOF) {
				slog.Warn("stream channel closed", "device", c.opts.Name, "error", err)
			}
			return
		}

		arb := resp.GetArbitration()
		if arb == nil {
			continue
		}
		if !reported {
			reported = true
			first <- arbitrationResult{update: arb}
			continue
		}
		if codes.Code(arb.GetStatus().GetCode()) != codes.OK {
			slog.Warn("mastership lost", "device", c.opts.Name,
				"primary_election_id", arb.GetElectionId().GetLow())
		}
	}
}

// InstallPipeline pushes the P4Info and the target's pipeline binary read
// from artifactPath with VERIFY_AND_COMMIT. A switch that reports the
// pipeline as already configured counts as success.
func (c *Conn) InstallPipeline(ctx context.Context, info *p4configv1.P4Info, artifactPath string) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return c.fail(ir.ErrSourceUnavailable, fmt.Sprintf("read pipeline %s", artifactPath), err)
	}

	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	_, err = c.client.SetForwardingPipelineConfig(ctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   c.opts.DeviceID,
		ElectionId: c.electionID(),
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         info,
			P4DeviceConfig: data,
		},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			slog.Debug("pipeline already configured", "device", c.opts.Name)
			return nil
		}
		return c.fail(ir.ErrDeviceUnreachable, "set forwarding pipeline config", err)
	}
	return nil
}

// ReadEntries performs a wildcard read of every table entry on the switch.
func (c *Conn) ReadEntries(ctx context.Context) ([]*p4v1.TableEntry, error) {
	entities, err := c.read(ctx, &p4v1.Entity{
		Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{}},
	})
	if err != nil {
		return nil, c.fail(ir.ErrDeviceUnreachable, "read table entries", err)
	}

	entries := make([]*p4v1.TableEntry, 0, len(entities))
	for _, e := range entities {
		if te := e.GetTableEntry(); te != nil {
			entries = append(entries, te)
		}
	}
	return entries, nil
}

// ReadCounter reads one cell of an indirect counter.
func (c *Conn) ReadCounter(ctx context.Context, counterID uint32, index int64) (*p4v1.CounterData, error) {
	entities, err := c.read(ctx, &p4v1.Entity{
		Entity: &p4v1.Entity_CounterEntry{CounterEntry: &p4v1.CounterEntry{
			CounterId: counterID,
			Index:     &p4v1.Index{Index: index},
		}},
	})
	if err != nil {
		return nil, c.fail(ir.ErrDeviceUnreachable, fmt.Sprintf("read counter %d[%d]", counterID, index), err)
	}
	for _, e := range entities {
		if ce := e.GetCounterEntry(); ce != nil {
			return ce.GetData(), nil
		}
	}
	return &p4v1.CounterData{}, nil
}

func (c *Conn) read(ctx context.Context, entities ...*p4v1.Entity) ([]*p4v1.Entity, error) {
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	stream, err := c.client.Read(ctx, &p4v1.ReadRequest{
		DeviceId: c.opts.DeviceID,
		Entities: entities,
	})
	if err != nil {
		return nil, err
	}

	var out []*p4v1.Entity
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp.GetEntities()...)
	}
}

// WriteEntry applies one update. ALREADY_EXISTS and NOT_FOUND are returned
// wrapping ErrAlreadyExists and ErrNotFound; a rejected entry is a schema
// mismatch; anything else means the switch could not be programmed.
func (c *Conn) WriteEntry(ctx context.Context, entry *p4v1.TableEntry, op Op) error {
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	_, err := c.client.Write(ctx, &p4v1.WriteRequest{
		DeviceId:   c.opts.DeviceID,
		ElectionId: c.electionID(),
		Updates: []*p4v1.Update{{
			Type:   op.updateType(),
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: entry}},
		}},
	})
	if err == nil {
		return nil
	}

	switch writeErrorCode(err) {
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case codes.InvalidArgument, codes.OutOfRange:
		return c.fail(ir.ErrSchemaMismatch, fmt.Sprintf("%s rejected", op), err)
	default:
		return c.fail(ir.ErrDeviceUnreachable, fmt.Sprintf("%s entry", op), err)
	}
}

// writeErrorCode extracts the per-update canonical code from a batched
// write error, falling back to the RPC status code.
func writeErrorCode(err error) codes.Code {
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}
	for _, d := range st.Details() {
		if pe, ok := d.(*p4v1.Error); ok && codes.Code(pe.GetCanonicalCode()) != codes.OK {
			return codes.Code(pe.GetCanonicalCode())
		}
	}
	return st.Code()
}

// Close releases mastership and the connection. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	return c.conn.Close()
}
