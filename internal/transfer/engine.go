package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/time/rate"

	snaghttp "github.com/galion-studio/snag/internal/http"
	"github.com/galion-studio/snag/pkg/partfile"
)

// Transfer errors.
var (
	// ErrIncomplete means the stream ended before the advertised size
	// was reached. The partial file remains resumable.
	ErrIncomplete = errors.New("transfer: stream ended before expected size")

	// ErrChecksumMismatch means the final digest did not match the
	// expected checksum. The partial file is deleted; a corrupted
	// partial must never be resumed from.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
)

// Outcome is the terminal disposition of one Transfer call.
type Outcome int

const (
	// OutcomeCompleted means the file was fully transferred and
	// verified.
	OutcomeCompleted Outcome = iota
	// OutcomeCancelled means the caller cancelled; the sidecar was
	// persisted and the transfer can be resumed later.
	OutcomeCancelled
	// OutcomeFailed means the transfer hit an error. Err carries it.
	OutcomeFailed
)

// Result reports how a transfer ended.
type Result struct {
	Outcome    Outcome
	Path       string
	Checksum   string
	Downloaded int64
	Total      int64
	Err        error
}

// Options configures the engine.
type Options struct {
	// Client is the HTTP client to use. Required.
	Client *snaghttp.Client

	// ChunkSize is the read buffer size; the sidecar is persisted
	// after every chunk, bounding crash loss to one chunk.
	// Default: 128KB
	ChunkSize int

	// BandwidthLimit caps aggregate read throughput in bytes per
	// second across all transfers sharing this engine. 0 = unlimited.
	BandwidthLimit int64
}

// Request describes one logical transfer.
type Request struct {
	// URL is the concrete endpoint URL to fetch.
	URL string

	// Dest is the final destination path. The engine works on
	// Dest+".part" and renames on success.
	Dest string

	// ExpectedChecksum is an optional platform-supplied hex SHA256 of
	// the complete file.
	ExpectedChecksum string

	// EndpointIndex and Attempt are recorded in the sidecar so a
	// recovered job can pick up where it left off.
	EndpointIndex int
	Attempt       int

	// Progress, when set, is called after each persisted chunk with
	// the current byte counts. Total is -1 while unknown.
	Progress func(downloaded, total int64)
}

// Engine performs resumable, checksum-verified HTTP transfers. One
// engine is shared by all workers; each Transfer call owns its
// destination exclusively.
type Engine struct {
	client    *snaghttp.Client
	chunkSize int
	limiter   *rate.Limiter
}

// NewEngine creates a transfer engine.
func NewEngine(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 128 * 1024
	}

	e := &Engine{
		client:    opts.Client,
		chunkSize: opts.ChunkSize,
	}
	if opts.BandwidthLimit > 0 {
		burst := opts.ChunkSize
		if int64(burst) < opts.BandwidthLimit {
			burst = int(opts.BandwidthLimit)
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}
	return e
}

// Transfer downloads req.URL to req.Dest, resuming from an existing
// sidecar when one is present. Cancellation via ctx yields
// OutcomeCancelled with a consistent sidecar left on disk, never
// OutcomeFailed.
func (e *Engine) Transfer(ctx context.Context, req Request) Result {
	pf, err := partfile.Open(req.Dest)
	if errors.Is(err, partfile.ErrCorruptSidecar) {
		// A sidecar we cannot decode is as good as no sidecar.
		if derr := partfile.Discard(req.Dest); derr == nil {
			pf, err = partfile.Open(req.Dest)
		}
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	offset := pf.Downloaded()
	if total := pf.Total(); total > 0 && offset == total {
		// A crash between the final chunk persist and the rename leaves
		// a complete partial behind. Resuming past the end would only
		// earn a 416, so verify what is on disk and promote it.
		return e.verifyAndFinalize(pf, req)
	}

	resp, err := e.client.Get(ctx, req.URL, offset, req.Attempt)
	if err != nil {
		return e.abort(ctx, pf, err)
	}

	if offset > 0 {
		switch {
		case resp.RangeStart == 0 && resp.StatusCode == 200:
			// Server ignored the Range header; appending its full
			// body to our partial file would corrupt it.
			if rerr := pf.Reset(); rerr != nil {
				resp.Close()
				return e.abort(ctx, pf, rerr)
			}
		case resp.RangeStart != offset:
			resp.Close()
			return e.abort(ctx, pf, fmt.Errorf("transfer: server range starts at %d, want %d", resp.RangeStart, offset))
		case resp.ETag != "" && pf.ETag() != "" && resp.ETag != pf.ETag():
			// The source changed since the partial was written. The
			// ranged body belongs to the new resource, so restart
			// from zero with a fresh request.
			resp.Close()
			if rerr := pf.Reset(); rerr != nil {
				return e.abort(ctx, pf, rerr)
			}
			resp, err = e.client.Get(ctx, req.URL, 0, req.Attempt)
			if err != nil {
				return e.abort(ctx, pf, err)
			}
		}
	}
	defer resp.Close()

	total := resp.Total
	if total >= 0 {
		pf.SetTotal(total)
	}
	pf.SetSource(req.URL, resp.ETag)
	pf.SetEndpoint(req.EndpointIndex, req.Attempt)
	if err := pf.Persist(); err != nil {
		return e.abort(ctx, pf, err)
	}

	buf := make([]byte, e.chunkSize)
	for {
		// Cooperative cancellation check at the chunk boundary. The
		// request context is a child of ctx, so an in-flight read is
		// also aborted promptly.
		if ctx.Err() != nil {
			return e.abort(ctx, pf, ctx.Err())
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if werr := e.limiter.WaitN(ctx, n); werr != nil {
					return e.abort(ctx, pf, werr)
				}
			}
			if _, werr := pf.Write(buf[:n]); werr != nil {
				return e.abort(ctx, pf, werr)
			}
			if perr := pf.Persist(); perr != nil {
				return e.abort(ctx, pf, perr)
			}
			if req.Progress != nil {
				req.Progress(pf.Downloaded(), pf.Total())
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return e.abort(ctx, pf, rerr)
		}
	}

	downloaded := pf.Downloaded()
	if total >= 0 && downloaded != total {
		return e.abort(ctx, pf, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, downloaded, total))
	}

	return e.verifyAndFinalize(pf, req)
}

// verifyAndFinalize checks the running digest against the expected
// checksum and promotes the partial file to its destination.
func (e *Engine) verifyAndFinalize(pf *partfile.File, req Request) Result {
	downloaded := pf.Downloaded()
	total := pf.Total()

	sum := pf.SumHex()
	if req.ExpectedChecksum != "" && !strings.EqualFold(sum, req.ExpectedChecksum) {
		err := fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, req.ExpectedChecksum)
		if rerr := pf.Remove(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Result{Outcome: OutcomeFailed, Downloaded: downloaded, Total: total, Err: err}
	}

	if err := pf.Finalize(); err != nil {
		return Result{Outcome: OutcomeFailed, Downloaded: downloaded, Total: total, Err: err}
	}

	return Result{
		Outcome:    OutcomeCompleted,
		Path:       req.Dest,
		Checksum:   sum,
		Downloaded: downloaded,
		Total:      total,
	}
}

// abort persists the sidecar so the transfer stays resumable, then
// classifies the stop as a cancel or a failure. Only a caller cancel
// maps to OutcomeCancelled; timeouts and transport errors are failures.
func (e *Engine) abort(ctx context.Context, pf *partfile.File, cause error) Result {
	downloaded := pf.Downloaded()
	total := pf.Total()
	if cerr := pf.Close(); cerr != nil && cause == nil {
		cause = cerr
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{Outcome: OutcomeCancelled, Downloaded: downloaded, Total: total}
	}
	return Result{Outcome: OutcomeFailed, Downloaded: downloaded, Total: total, Err: cause}
}
