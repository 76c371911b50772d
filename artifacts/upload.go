package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultUploadURL is the canonical artifact-upload endpoint.
const DefaultUploadURL = "https://api.predicatelabs.com"

// uploadBaseURL is swappable for tests.
var uploadBaseURL = DefaultUploadURL

const uploadRequestTimeout = 60 * time.Second

type uploadTarget struct {
	Name       string `json:"name"`
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

type uploadInitResponse struct {
	UploadURLs         []uploadTarget `json:"upload_urls"`
	ArtifactIndexUpload struct {
		UploadURL  string `json:"upload_url"`
		StorageKey string `json:"storage_key"`
	} `json:"artifact_index_upload"`
}

type artifactFile struct {
	name        string
	path        string
	contentType string
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpeg"), strings.HasSuffix(name, ".jpg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".mp4"):
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// UploadToCloud uploads a persisted bundle: manifest, steps, optional
// snapshot/diagnostics, frames and clip. The protocol is init (signed URLs)
// → PUT each artifact → PUT the index → complete. Best-effort: any failure
// returns an empty key and logs, never an error that aborts the run.
func UploadToCloud(ctx context.Context, apiKey, persistedDir string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	manifestPath := filepath.Join(persistedDir, "manifest.json")
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		logger.Warn("artifact upload: cannot read manifest", "error", err)
		return ""
	}
	var manifest map[string]any
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		logger.Warn("artifact upload: invalid manifest", "error", err)
		return ""
	}

	files := []artifactFile{
		{name: "manifest.json", path: manifestPath, contentType: "application/json"},
	}
	for _, name := range []string{"steps.json", "snapshot.json", "diagnostics.json", "failure.mp4"} {
		p := filepath.Join(persistedDir, name)
		if _, err := os.Stat(p); err == nil {
			files = append(files, artifactFile{name: name, path: p, contentType: contentTypeFor(name)})
		}
	}
	if frames, ok := manifest["frames"].([]any); ok {
		for _, raw := range frames {
			fm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := fm["file"].(string)
			if name == "" {
				continue
			}
			p := filepath.Join(persistedDir, "frames", name)
			if _, err := os.Stat(p); err == nil {
				files = append(files, artifactFile{name: "frames/" + name, path: p, contentType: contentTypeFor(name)})
			}
		}
	}

	client := &http.Client{Timeout: uploadRequestTimeout}

	runID, _ := manifest["run_id"].(string)
	initBody := map[string]any{
		"run_id":    runID,
		"artifacts": artifactNames(files),
	}
	init, err := postJSON[uploadInitResponse](ctx, client, apiKey, uploadBaseURL+"/v1/artifacts/init", initBody)
	if err != nil {
		logger.Warn("artifact upload: init failed", "error", err)
		return ""
	}

	byName := map[string]uploadTarget{}
	for _, t := range init.UploadURLs {
		byName[t.Name] = t
	}

	index := map[string]any{"run_id": runID, "artifacts": []map[string]string{}}
	entries := index["artifacts"].([]map[string]string)
	for _, f := range files {
		target, ok := byName[f.name]
		if !ok {
			logger.Warn("artifact upload: no signed url for artifact", "name", f.name)
			return ""
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			logger.Warn("artifact upload: read failed", "name", f.name, "error", err)
			return ""
		}
		if err := putArtifact(ctx, client, target.UploadURL, f.contentType, data); err != nil {
			logger.Warn("artifact upload: put failed", "name", f.name, "error", err)
			return ""
		}
		entries = append(entries, map[string]string{"name": f.name, "storage_key": target.StorageKey})
	}
	index["artifacts"] = entries

	indexData, err := json.Marshal(index)
	if err != nil {
		logger.Warn("artifact upload: index encode failed", "error", err)
		return ""
	}
	if err := putArtifact(ctx, client, init.ArtifactIndexUpload.UploadURL, "application/json", indexData); err != nil {
		logger.Warn("artifact upload: index put failed", "error", err)
		return ""
	}

	completeBody := map[string]any{
		"run_id":            runID,
		"artifact_index_key": init.ArtifactIndexUpload.StorageKey,
	}
	if _, err := postJSON[map[string]any](ctx, client, apiKey, uploadBaseURL+"/v1/artifacts/complete", completeBody); err != nil {
		logger.Warn("artifact upload: complete failed", "error", err)
		return ""
	}

	return init.ArtifactIndexUpload.StorageKey
}

func artifactNames(files []artifactFile) []map[string]string {
	out := make([]map[string]string, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]string{"name": f.name, "content_type": f.contentType})
	}
	return out
}

func postJSON[T any](ctx context.Context, client *http.Client, apiKey, url string, body any) (*T, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func putArtifact(ctx context.Context, client *http.Client, url, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
