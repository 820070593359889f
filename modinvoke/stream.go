package modinvoke

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/coreos/update-agent/internal/pkg/destructor"
	"github.com/coreos/update-agent/internal/pkg/workerpool"
	"github.com/coreos/update-agent/uerrors"
)

// StreamFile is one payload file the engine offers over the FIFO bridge.
type StreamFile struct {
	Name string
	Size int64
	R    io.Reader
}

// StreamBridge runs the streams-list/streams/<name> FIFO coordination
// protocol from spec §4.7 for a module that reads from `<work>/streams-list`
// instead of `<work>/files/`.
type StreamBridge struct {
	workDir string
	workers *workerpool.Group
	cleanup destructor.MultiDestructor
}

// NewStreamBridge creates the FIFOs for files (streams-list plus one
// streams/<name> per file) under workDir. maxBlockedOpens bounds how many
// background goroutines may be blocked in open(2) at once.
func NewStreamBridge(ctx context.Context, workDir string, files []StreamFile, maxBlockedOpens int) (*StreamBridge, error) {
	streamsDir := filepath.Join(workDir, "streams")
	if err := os.MkdirAll(streamsDir, 0700); err != nil {
		return nil, uerrors.Wrap(uerrors.CodeTransientIOError, err, "creating streams directory")
	}

	b := &StreamBridge{
		workDir: workDir,
		workers: workerpool.New(ctx, maxBlockedOpens),
	}

	listPath := filepath.Join(workDir, "streams-list")
	if err := mkfifo(listPath); err != nil {
		return nil, err
	}
	b.cleanup.AddFunc(func() { os.Remove(listPath) })

	for _, f := range files {
		path := filepath.Join(streamsDir, f.Name)
		if err := mkfifo(path); err != nil {
			b.cleanup.Destroy()
			return nil, err
		}
		b.cleanup.AddFunc(func() { os.Remove(path) })
	}

	return b, nil
}

func mkfifo(path string) error {
	if err := unix.Mkfifo(path, 0600); err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "creating fifo %s", path)
	}
	return nil
}

// Run performs the full coordination protocol: open streams-list, announce
// and stream each file in order, then signal end-of-list. It must run
// concurrently with the module's own process so neither side deadlocks on
// the other's blocking open.
func (b *StreamBridge) Run(ctx context.Context, files []StreamFile) error {
	defer b.cleanup.Destroy()

	listFile, err := b.blockingOpenWrite(ctx, filepath.Join(b.workDir, "streams-list"))
	if err != nil {
		return err
	}
	defer listFile.Close()

	for _, f := range files {
		if _, err := fmt.Fprintf(listFile, "%s\t%d\n", f.Name, f.Size); err != nil {
			return uerrors.Wrap(uerrors.CodeTransientIOError, err, "announcing stream %s", f.Name)
		}

		streamFile, err := b.blockingOpenWrite(ctx, filepath.Join(b.workDir, "streams", f.Name))
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(streamFile, f.R)
		closeErr := streamFile.Close()
		if copyErr != nil {
			return uerrors.Wrap(uerrors.CodeTransientIOError, copyErr, "streaming %s", f.Name)
		}
		if closeErr != nil {
			return uerrors.Wrap(uerrors.CodeTransientIOError, closeErr, "closing stream %s", f.Name)
		}
	}

	if _, err := fmt.Fprintln(listFile); err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "closing streams-list")
	}
	return nil
}

// blockingOpenWrite opens path for writing on a worker goroutine so a
// module that never opens its read end doesn't hang the caller. When ctx is
// cancelled first, it cancels the group and opens path's read end itself,
// which releases the worker's blocked open; the write descriptor the worker
// obtains that way is closed.
func (b *StreamBridge) blockingOpenWrite(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)

	err := b.workers.Start(func(workerCtx context.Context) error {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		ch <- result{f: f, err: err}
		return err
	})
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeTransientIOError, err, "scheduling open of %s", path)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, uerrors.Wrap(uerrors.CodeTransientIOError, r.err, "opening %s", path)
		}
		return r.f, nil
	case <-ctx.Done():
		b.workers.Cancel()
		// Poke the FIFO from the read side so the worker's blocked open
		// completes, then close the descriptor it obtained.
		if poke, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0); err == nil {
			if r := <-ch; r.f != nil {
				r.f.Close()
			}
			poke.Close()
		}
		return nil, ctx.Err()
	}
}

// Cancel cancels the worker group's context, used when the module exits
// before the bridge finishes streaming. A worker already blocked in open(2)
// is released by blockingOpenWrite once the ctx passed to Run is done, not
// by Cancel alone.
func (b *StreamBridge) Cancel() {
	b.workers.Cancel()
}
