package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
)

// DownloadInfo describes a completed download.
type DownloadInfo struct {
	URL      string
	Filename string
	FilePath string
	Size     int64
	MimeType string
}

const downloadTimeout = 120 * time.Second

// DownloadFile fetches a URL over plain HTTP into the configured download
// directory and records it for the downloads predicates. Use
// DownloadResource for authenticated fetches through the page context.
func (b *Browser) DownloadFile(ctx context.Context, fileURL, filename string) (*DownloadInfo, error) {
	if err := os.MkdirAll(b.config.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if filename == "" {
		filename = filenameFromURL(fileURL)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	filePath := filepath.Join(b.config.DownloadDir, filename)
	out, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	size, err := io.Copy(out, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	info := &DownloadInfo{
		URL:      fileURL,
		Filename: filename,
		FilePath: filePath,
		Size:     size,
		MimeType: resp.Header.Get("Content-Type"),
	}
	b.recordDownload(info)
	return info, nil
}

// DownloadResource fetches a URL through the page's fetch(), carrying the
// page's cookies and auth context, then saves the bytes locally.
func (b *Browser) DownloadResource(ctx context.Context, fileURL, filename string) (*DownloadInfo, error) {
	if err := os.MkdirAll(b.config.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if filename == "" {
		filename = filenameFromURL(fileURL)
	}

	// Fetch in-page so cookies and session headers apply, returning the
	// body as base64 through the eval channel.
	code := fmt.Sprintf(`(async () => {
		const resp = await fetch(%q, {credentials: 'include'});
		if (!resp.ok) return {ok: false, status: resp.status};
		const buf = await resp.arrayBuffer();
		let binary = '';
		const bytes = new Uint8Array(buf);
		for (let i = 0; i < bytes.length; i++) binary += String.fromCharCode(bytes[i]);
		return {ok: true, data: btoa(binary), type: resp.headers.get('content-type') || ''};
	})()`, fileURL)

	v, err := b.Eval(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("in-page download failed: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("in-page download returned unexpected result")
	}
	if okFlag, _ := m["ok"].(bool); !okFlag {
		return nil, fmt.Errorf("in-page download failed with status %v", m["status"])
	}
	encoded, _ := m["data"].(string)
	data, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode downloaded bytes: %w", err)
	}

	filePath := filepath.Join(b.config.DownloadDir, filename)
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	mimeType, _ := m["type"].(string)
	info := &DownloadInfo{
		URL:      fileURL,
		Filename: filename,
		FilePath: filePath,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}
	b.recordDownload(info)
	return info, nil
}

func (b *Browser) recordDownload(info *DownloadInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloads = append(b.downloads, downloadEntry{
		url:      info.URL,
		filename: info.Filename,
		filePath: info.FilePath,
		size:     info.Size,
		mimeType: info.MimeType,
	})
}

// Downloads returns the recorded downloads for this browser session.
func (b *Browser) Downloads(ctx context.Context) ([]backend.DownloadRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.DownloadRecord, 0, len(b.downloads))
	for _, d := range b.downloads {
		out = append(out, backend.DownloadRecord{
			URL:      d.url,
			Filename: d.filename,
			FilePath: d.filePath,
			Size:     d.size,
			MimeType: d.mimeType,
		})
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func filenameFromURL(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return fmt.Sprintf("download_%d", time.Now().UnixMilli())
	}
	return path.Base(u.Path)
}
