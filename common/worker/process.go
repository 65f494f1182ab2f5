package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/lyzr/imagescale/common/codec"
	"github.com/lyzr/imagescale/common/scaler"
)

// Request is what the scale-worker binary reads from stdin
type Request struct {
	Data    []byte         `cbor:"data"`
	Options scaler.Options `cbor:"options"`
}

// Response is what the scale-worker binary writes to stdout
type Response struct {
	Result *scaler.Result `cbor:"result,omitempty"`
	Error  string         `cbor:"error,omitempty"`
}

// ProcessExecutor runs every job in a fresh scale-worker process so a
// crashing decoder cannot take the caller down.
type ProcessExecutor struct {
	Binary string
	Args   []string
	// Env is appended to the current environment
	Env []string
}

// Scale implements scaler.Codec. Cancelling ctx kills the process.
func (e *ProcessExecutor) Scale(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
	var stdin bytes.Buffer
	if err := codec.NewEncoder(&stdin).Encode(Request{Data: data, Options: opts}); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, e.Args...)
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("scale worker %s failed: %w: %s", e.Binary, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp Response
	if err := codec.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode scale worker output: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Result == nil {
		return nil, errors.New("scale worker returned no result")
	}
	return resp.Result, nil
}

// Serve is the worker side of the protocol: one Request from r, one
// Response to w. Codec errors are reported in the Response; the returned
// error covers only the transport.
func Serve(ctx context.Context, r io.Reader, w io.Writer, c scaler.Codec) error {
	var req Request
	if err := codec.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}

	var resp Response
	res, err := c.Scale(ctx, req.Data, req.Options)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = res
	}

	if err := codec.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}
