package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
)

// RestoredError reports that an upload failed but the capture was appended
// back onto the source file, so no bytes were lost and the next cycle may
// retry.
type RestoredError struct {
	Path string
	Err  error
}

func (e *RestoredError) Error() string {
	return fmt.Sprintf("relay of %s failed, capture restored: %v", e.Path, e.Err)
}

func (e *RestoredError) Unwrap() error {
	return e.Err
}

// rotateAndSend relays one file without losing data to a concurrent writer
// or a failed upload:
//
//  1. copy the file to a unique temp file in the same directory
//  2. truncate the original so producers keep appending fresh content
//  3. upload the temp file's bytes
//  4. success: drop the temp file, delete the original iff deletable
//  5. failure: append the capture back onto the original and report a
//     RestoredError
func (r *Relay) rotateAndSend(ctx context.Context, path string, deletable bool) error {
	tmp := path + "." + uuid.NewString() + ".tmp"

	if err := copyFile(path, tmp); err != nil {
		return fmt.Errorf("capture %s: %w", path, err)
	}

	if err := os.Truncate(path, 0); err != nil {
		// Nothing captured is at risk: the original is intact.
		os.Remove(tmp)
		return fmt.Errorf("truncate %s: %w", path, err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		// The original is already truncated; the capture only exists in the
		// temp file, so keep it on disk and surface both facts.
		return fmt.Errorf("read capture %s (original truncated, temp retained): %w", tmp, err)
	}

	if len(data) == 0 {
		os.Remove(tmp)
		if deletable {
			os.Remove(path)
		}
		return nil
	}

	if err := r.send(ctx, data); err != nil {
		if rerr := appendFile(path, data); rerr != nil {
			// Restore failed too: the capture survives in the temp file.
			return fmt.Errorf("upload failed (%v) and restore of %s failed (temp retained at %s): %w", err, path, tmp, rerr)
		}
		os.Remove(tmp)
		return &RestoredError{Path: path, Err: err}
	}

	if r.opts.Archive != nil {
		if aerr := r.opts.Archive.Append(data); aerr != nil {
			r.log.Warn().Err(aerr).Str("file", path).Msg("archive shipment")
		}
	}

	os.Remove(tmp)
	if deletable {
		os.Remove(path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// appendFile writes data onto the end of path, creating it if a concurrent
// cleanup removed it. Appending rather than overwriting preserves anything a
// producer wrote after the capture was taken.
func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
