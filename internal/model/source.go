package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	GraphFile    = "model.onnx"
	MetadataFile = "model_metadata.json"
)

// Artifact is a serialized graph with its contract.
type Artifact struct {
	Graph    []byte
	Metadata Metadata
}

// ArtifactSource fetches the model artifact.
type ArtifactSource interface {
	Fetch(ctx context.Context) (Artifact, error)
	String() string
}

// HTTPSource serves <BaseURL>/model.onnx and <BaseURL>/model_metadata.json.
// A missing metadata document (404) means the default contract.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPSource) String() string { return s.BaseURL }

func (s *HTTPSource) Fetch(ctx context.Context) (Artifact, error) {
	base := strings.TrimRight(s.BaseURL, "/")

	metaBody, status, err := s.get(ctx, base+"/"+MetadataFile)
	if err != nil {
		return Artifact{}, err
	}
	var meta Metadata
	switch {
	case status == http.StatusNotFound:
	case status != http.StatusOK:
		return Artifact{}, fmt.Errorf("fetch %s: unexpected status %d", MetadataFile, status)
	default:
		if err := json.Unmarshal(metaBody, &meta); err != nil {
			return Artifact{}, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	graph, status, err := s.get(ctx, base+"/"+GraphFile)
	if err != nil {
		return Artifact{}, err
	}
	if status != http.StatusOK {
		return Artifact{}, fmt.Errorf("fetch %s: unexpected status %d", GraphFile, status)
	}
	if len(graph) == 0 {
		return Artifact{}, fmt.Errorf("fetch %s: empty body", GraphFile)
	}
	return Artifact{Graph: graph, Metadata: meta}, nil
}

func (s *HTTPSource) get(ctx context.Context, url string) ([]byte, int, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", url, err)
	}
	return body, resp.StatusCode, nil
}

// FileSource reads the artifact from a local directory.
type FileSource struct {
	Dir string
}

func (s *FileSource) String() string { return s.Dir }

func (s *FileSource) Fetch(_ context.Context) (Artifact, error) {
	var meta Metadata
	metaFile, err := os.ReadFile(filepath.Join(s.Dir, MetadataFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Artifact{}, fmt.Errorf("failed to read metadata: %w", err)
	default:
		if err := json.Unmarshal(metaFile, &meta); err != nil {
			return Artifact{}, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	graph, err := os.ReadFile(filepath.Join(s.Dir, GraphFile))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read model: %w", err)
	}
	return Artifact{Graph: graph, Metadata: meta}, nil
}
