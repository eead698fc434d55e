// Package transfer executes planned downloads against a mirror with
// resume, retry, and integrity verification.
package transfer

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrVerification tags integrity failures (checksum or size mismatch
// after a complete stream). The mismatched file is removed and the
// transfer retried from scratch until attempts run out.
var ErrVerification = errors.New("verification failed")

// ProgressFunc is called as bytes arrive. done is the total bytes on
// disk so far (including any resumed prefix), total is the expected
// final size or 0 if unknown.
type ProgressFunc func(done, total int64)

// Options configures a single download.
type Options struct {
	URL          string
	DestPath     string
	ExpectedSize int64 // 0 to skip the size check

	// ExpectedChecksum is the hex digest to verify against, with
	// ChecksumAlgo naming the algorithm ("sha1" or "sha256").
	// Empty skips checksum validation.
	ExpectedChecksum string
	ChecksumAlgo     string

	// ResumeOffset is the byte count a prior run recorded for this
	// file. The on-disk partial is authoritative; the offset is only
	// cross-checked against it.
	ResumeOffset int64

	RetryAttempts int // 0 defaults to 3
	OnProgress    ProgressFunc
}

// Result describes a completed download.
type Result struct {
	Path         string
	Size         int64  // final file size
	BytesFetched int64  // bytes actually transferred this call
	Checksum     string // computed digest, hex
	ChecksumAlgo string
	Resumed      bool
	Attempts     int
	Duration     time.Duration
}

// Client performs HTTP downloads with retry, resumption, and
// validation.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a download client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout: dump files take hours on slow links.
			// Context cancellation still interrupts the body read.
		},
		logger:    logger,
		userAgent: "dumpsync/1.0",
	}
}

// Download fetches opts.URL to opts.DestPath, resuming a partial file
// when possible and retrying transient failures with exponential
// backoff. Partial files are kept on transient failure and
// cancellation so a later run can resume; they are removed on
// permanent failure.
func (c *Client) Download(ctx context.Context, opts Options) (*Result, error) {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}

	startTime := time.Now()
	var lastErr error
	var resumed bool
	var fetched int64

	for attempt := 1; attempt <= opts.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		default:
		}

		// The on-disk partial decides the resume point. Resume only
		// when it is strictly smaller than the expected size; a file
		// at or past the expected size with no verified state is
		// stale and restarts fresh.
		offset := int64(0)
		if fi, err := os.Stat(opts.DestPath); err == nil {
			existing := fi.Size()
			if opts.ExpectedSize > 0 && existing > 0 && existing < opts.ExpectedSize {
				offset = existing
				resumed = true
				if existing != opts.ResumeOffset {
					c.logger.Debug("recorded offset differs from partial file, trusting file",
						"path", opts.DestPath, "recorded", opts.ResumeOffset, "on_disk", existing)
				}
			} else if existing > 0 {
				_ = os.Remove(opts.DestPath)
			}
		}

		if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		flags := os.O_CREATE | os.O_WRONLY
		if offset > 0 {
			flags |= os.O_APPEND
		}
		file, err := os.OpenFile(opts.DestPath, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open destination: %w", err)
		}

		result, n, err := c.downloadAttempt(ctx, file, opts, offset)
		file.Close()
		fetched += n

		if err == nil {
			result.Resumed = resumed
			result.Attempts = attempt
			result.BytesFetched = fetched
			result.Duration = time.Since(startTime)
			return result, nil
		}

		lastErr = err
		c.logger.Warn("download attempt failed",
			"url", opts.URL, "attempt", attempt, "error", err)

		// Cancellation keeps the partial file so the next run resumes.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if !transient(err) {
			_ = os.Remove(opts.DestPath)
			return nil, err
		}

		if attempt < opts.RetryAttempts {
			delay := backoffDelay(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}

	// Retries exhausted; keep the partial file for the next run.
	return nil, fmt.Errorf("download failed after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// downloadAttempt performs one transfer attempt, returning the number
// of bytes written this attempt regardless of outcome.
func (c *Client) downloadAttempt(ctx context.Context, file *os.File, opts Options, offset int64) (*Result, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	// 206 means the Range was honored and we keep appending. A 200
	// after a Range request means the server ignored it, so the
	// partial prefix is discarded and the stream restarts at zero.
	if resp.StatusCode == http.StatusOK && offset > 0 {
		c.logger.Debug("server ignored range request, restarting from scratch", "url", opts.URL)
		if err := file.Truncate(0); err != nil {
			return nil, 0, fmt.Errorf("failed to truncate for full re-download: %w", err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("failed to rewind for full re-download: %w", err)
		}
		offset = 0
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && offset > 0 {
		totalSize += offset
	}
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			current:  offset,
			total:    totalSize,
		}
	}

	// Stream straight to disk; the file is never held in memory.
	written, err := io.Copy(file, reader)
	if err != nil {
		return nil, written, fmt.Errorf("failed to write to file: %w", err)
	}

	finalSize := offset + written

	// Hash the whole file, not just this attempt's bytes: a resumed
	// download only fetched the tail.
	digest, algo, err := hashFile(opts.DestPath, opts.ChecksumAlgo)
	if err != nil {
		return nil, written, fmt.Errorf("failed to hash file: %w", err)
	}

	if opts.ExpectedChecksum != "" {
		if digest != opts.ExpectedChecksum {
			_ = os.Remove(opts.DestPath)
			return nil, written, fmt.Errorf("%w: %s mismatch: got %s, expected %s",
				ErrVerification, algo, digest, opts.ExpectedChecksum)
		}
		if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
			// Checksum is authoritative; stale size metadata is only
			// worth a warning.
			c.logger.Warn("size differs from metadata but checksum matches, accepting file",
				"path", opts.DestPath, "got_size", finalSize, "expected_size", opts.ExpectedSize)
		}
	} else if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
		_ = os.Remove(opts.DestPath)
		return nil, written, fmt.Errorf("%w: size mismatch: got %d bytes, expected %d",
			ErrVerification, finalSize, opts.ExpectedSize)
	}

	return &Result{
		Path:         opts.DestPath,
		Size:         finalSize,
		Checksum:     digest,
		ChecksumAlgo: algo,
	}, written, nil
}

// hashFile computes the hex digest of an entire file. An empty algo
// defaults to sha256.
func hashFile(path, algo string) (string, string, error) {
	var h hash.Hash
	switch algo {
	case "sha1":
		h = sha1.New()
	case "sha256", "":
		h = sha256.New()
		algo = "sha256"
	default:
		return "", "", fmt.Errorf("unsupported checksum algorithm %q", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(h.Sum(nil)), algo, nil
}

// backoffDelay computes exponential backoff with jitter: base 1s,
// doubling per attempt, plus random jitter up to half the delay.
func backoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponential := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponential / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponential + jitter
}

// transient reports whether an error is worth retrying. Client errors
// other than 429 are permanent. Verification failures retry from
// scratch (the mismatched file was already removed); they only become
// permanent once attempts are exhausted.
func transient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return false
		}
	}
	return true
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// progressReader wraps a reader and reports cumulative progress.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
