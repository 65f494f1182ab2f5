package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/scaler"
)

func testLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, "error", "text")
}

// TestHelperProcess is not a real test. It is the scale-worker process
// the ProcessExecutor tests launch.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("HELPER_CRASH") == "1" {
		os.Stderr.WriteString("decoder exploded")
		os.Exit(3)
	}
	if err := Serve(context.Background(), os.Stdin, os.Stdout, scaler.Local{}); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperExecutor(env ...string) *ProcessExecutor {
	return &ProcessExecutor{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$", "--"},
		Env:    append([]string{"GO_WANT_HELPER_PROCESS=1"}, env...),
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestProcessExecutor_RoundTrip(t *testing.T) {
	res, err := helperExecutor().Scale(context.Background(), pngBytes(t, 80, 40), scaler.Options{Width: 20, Height: 20})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, 20, res.Width)
	assert.Equal(t, 10, res.Height)
}

func TestProcessExecutor_CodecError(t *testing.T) {
	_, err := helperExecutor().Scale(context.Background(), []byte("garbage"), scaler.Options{Width: 20})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported image")
}

func TestProcessExecutor_Crash(t *testing.T) {
	_, err := helperExecutor("HELPER_CRASH=1").Scale(context.Background(), nil, scaler.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder exploded")
}

type funcCodec func(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error)

func (f funcCodec) Scale(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
	return f(ctx, data, opts)
}

func TestFuture_PollIsNonBlocking(t *testing.T) {
	release := make(chan struct{})
	codec := funcCodec(func(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
		<-release
		return &scaler.Result{Width: opts.Width}, nil
	})

	pool := NewPool(codec, 1, testLogger())
	defer pool.Close()

	f, err := pool.Submit(Job{Options: scaler.Options{Width: 7}})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)

	_, _, ok := f.Poll()
	assert.False(t, ok, "poll must return immediately while the job runs")

	close(release)
	<-f.Done()

	res, err, ok := f.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Width)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	codec := funcCodec(func(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &scaler.Result{}, nil
	})

	pool := NewPool(codec, 2, testLogger())
	defer pool.Close()

	var futures []*Future
	for len(futures) < 6 {
		f, err := pool.Submit(Job{})
		if errors.Is(err, ErrPoolBusy) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		futures = append(futures, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_CloseCancelsAndRejects(t *testing.T) {
	codec := funcCodec(func(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	pool := NewPool(codec, 1, testLogger())
	f, err := pool.Submit(Job{})
	require.NoError(t, err)

	pool.Close()

	_, err, ok := f.Poll()
	require.True(t, ok, "close waits for running jobs")
	assert.Error(t, err)

	_, err = pool.Submit(Job{})
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Close()
}
