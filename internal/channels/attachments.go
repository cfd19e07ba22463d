package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

// RemoteFile is a platform attachment that still has to be downloaded.
type RemoteFile struct {
	Name     string
	URL      string
	MimeType string
	FileType string
	Size     int64
}

// Downloader fetches attachments with optional auth headers.
type Downloader struct {
	Client *http.Client
	Header http.Header
}

// NewDownloader creates a downloader with a 10s per-file timeout.
func NewDownloader(header http.Header) *Downloader {
	return &Downloader{Client: &http.Client{Timeout: 10 * time.Second}, Header: header}
}

// FetchAll downloads files as base64. A file larger than perFile is skipped;
// once the running total (skipped files included) passes total, the rest are
// dropped.
func (d *Downloader) FetchAll(ctx context.Context, files []RemoteFile, perFile, total int64) []bus.File {
	var out []bus.File
	var running int64
	for _, f := range files {
		running += f.Size
		if f.Size > perFile {
			slog.Warn("attachment too large, skipping", "name", f.Name, "size", f.Size, "limit", perFile)
			continue
		}
		if running > total {
			slog.Warn("attachments exceed total size limit, skipping the rest", "limit", total)
			break
		}
		data, err := d.fetch(ctx, f.URL, perFile)
		if err != nil {
			slog.Warn("attachment download failed", "name", f.Name, "error", err)
			continue
		}
		out = append(out, bus.File{
			Name:     f.Name,
			Content:  base64.StdEncoding.EncodeToString(data),
			MimeType: f.MimeType,
			FileType: f.FileType,
			Size:     len(data),
		})
	}
	return out
}

func (d *Downloader) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("attachment exceeds %d byte limit", limit)
	}
	return data, nil
}
