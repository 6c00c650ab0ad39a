package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
)

// Client drives a remote naiad Flight service.
type Client struct {
	addr   string
	client flight.Client
}

// Dial connects to addr (host:port) without transport security.
func Dial(addr string) (*Client, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{addr: addr, client: c}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Generate runs req remotely. Results arrive as the server produces them; a failure reported
// by the server ends the sequence with its error. A busy server yields diffusion.ErrBusy.
func (c *Client) Generate(ctx context.Context, req diffusion.Request) iter.Seq2[diffusion.Result, error] {
	return func(yield func(diffusion.Result, error) bool) {
		body, err := encodeTicket(req)
		if err != nil {
			yield(diffusion.Result{Stage: diffusion.StageFailed}, err)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: body})
		if err != nil {
			yield(diffusion.Result{Stage: diffusion.StageFailed}, fmt.Errorf("flight DoGet %s: %w", c.addr, err))
			return
		}
		rdr, err := flight.NewRecordReader(stream)
		if err != nil {
			yield(diffusion.Result{Stage: diffusion.StageFailed}, fmt.Errorf("flight stream: %w", err))
			return
		}
		defer rdr.Release()

		for rdr.Next() {
			events, err := decodeEvents(rdr.Record())
			if err != nil {
				yield(diffusion.Result{Stage: diffusion.StageFailed}, err)
				return
			}
			for _, ev := range events {
				if ev.err != "" {
					yield(ev.result, remoteError(ev.err))
					return
				}
				if !yield(ev.result, nil) {
					return
				}
			}
		}
		if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
			yield(diffusion.Result{Stage: diffusion.StageFailed}, fmt.Errorf("flight stream: %w", err))
		}
	}
}

// Cancel asks the server to stop its running generation.
func (c *Client) Cancel(ctx context.Context) error {
	stream, err := c.client.DoAction(ctx, &flight.Action{Type: ActionCancel})
	if err != nil {
		return fmt.Errorf("flight cancel: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("flight cancel: %w", err)
		}
	}
}

func remoteError(msg string) error {
	if msg == diffusion.ErrBusy.Error() {
		return diffusion.ErrBusy
	}
	return errors.New(msg)
}
