// Package downloader fetches Keras models published on a model hub: the
// config.json architecture document, its safetensors weight files and any
// class label lists.
package downloader

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/importer"
)

var (
	hubAPI = "https://huggingface.co/api/models/"
	hubCDN = "https://huggingface.co/"
)

func init() {
	if apiURL := os.Getenv("ZKERAS_HUB_API_URL"); apiURL != "" {
		hubAPI = apiURL
	}
	if cdnURL := os.Getenv("ZKERAS_HUB_CDN_URL"); cdnURL != "" {
		hubCDN = cdnURL
	}
}

// ModelSource fetches a model and its associated files.
type ModelSource interface {
	// DownloadModel downloads the model files into destination.
	DownloadModel(modelID string, destination string) (*DownloadResult, error)
}

// DownloadResult lists the local paths of a downloaded model. The
// directory can be passed straight to importer.Load.
type DownloadResult struct {
	Dir         string
	ConfigPath  string
	WeightPaths []string
	LabelPaths  []string
}

// Downloader handles the overall download process using a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader creates a new Downloader with the given ModelSource.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches modelID into destination.
func (d *Downloader) Download(modelID string, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(modelID, destination)
}

// HubSource implements ModelSource for a Hugging Face style hub.
type HubSource struct {
	client *http.Client
	token  string
	log    *logrus.Entry
}

// NewHubSource creates a HubSource. The HF_API_KEY environment variable, if
// set, is sent as a bearer token.
func NewHubSource() *HubSource {
	return &HubSource{
		client: &http.Client{},
		token:  os.Getenv("HF_API_KEY"),
		log:    logrus.WithField("component", "downloader"),
	}
}

// WithToken replaces the bearer token. An empty token keeps the current
// one.
func (h *HubSource) WithToken(token string) *HubSource {
	if token != "" {
		h.token = token
	}
	return h
}

// ModelInfo is the part of the hub API response the downloader reads.
type ModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"`
	} `json:"siblings"`
}

type fileKind int

const (
	fileOther fileKind = iota
	fileConfig
	fileWeights
	fileLabels
)

func classify(rPath string) fileKind {
	base := path.Base(rPath)
	switch {
	case rPath == importer.ConfigFile:
		return fileConfig
	case strings.HasSuffix(base, ".safetensors"):
		return fileWeights
	case strings.HasSuffix(base, ".txt") && strings.Contains(strings.ToLower(base), "label"):
		return fileLabels
	}
	return fileOther
}

// DownloadModel downloads config.json, every safetensors file and the label
// lists of modelID.
func (h *HubSource) DownloadModel(modelID string, destination string) (*DownloadResult, error) {
	info, err := h.modelInfo(modelID)
	if err != nil {
		return nil, err
	}

	result := &DownloadResult{Dir: destination}
	for _, sibling := range info.Siblings {
		rPath := sibling.RPath
		kind := classify(rPath)
		if kind == fileOther {
			continue
		}
		local := filepath.Join(destination, path.Base(rPath))
		url := strings.TrimSuffix(hubCDN, "/") + "/" + modelID + "/resolve/main/" + rPath
		if err := h.downloadFile(url, local); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", rPath, err)
		}
		h.log.Debugf("downloaded %s to %s", rPath, local)
		switch kind {
		case fileConfig:
			result.ConfigPath = local
		case fileWeights:
			result.WeightPaths = append(result.WeightPaths, local)
		case fileLabels:
			result.LabelPaths = append(result.LabelPaths, local)
		}
	}

	if result.ConfigPath == "" {
		return nil, fmt.Errorf("no %s found for model ID: %s", importer.ConfigFile, modelID)
	}
	if len(result.WeightPaths) == 0 {
		return nil, fmt.Errorf("no safetensors weights found for model ID: %s", modelID)
	}
	return result, nil
}

func (h *HubSource) modelInfo(modelID string) (info *ModelInfo, err error) {
	apiURL := hubAPI + modelID
	resp, err := h.get(apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model info from hub API: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close response body for %s: %w", apiURL, cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub API returned non-OK status: %s", resp.Status)
	}
	info = &ModelInfo{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, fmt.Errorf("failed to decode hub API response: %w", err)
	}
	return info, nil
}

func (h *HubSource) get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return h.client.Do(req)
}

// downloadFile downloads a single file from a URL to a local path. A
// partially written file is removed on error.
func (h *HubSource) downloadFile(url, filePath string) (err error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	resp, err := h.get(url)
	if err != nil {
		return fmt.Errorf("failed to download file from %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.log.Warnf("failed to close response body for %s: %v", url, cerr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download file from %s: status code %s", url, resp.Status)
	}

	out, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file %s: %w", filePath, cerr)
		}
		if err != nil {
			_ = os.Remove(filePath)
		}
	}()

	if _, err := copyFile(resp.Body, out); err != nil {
		return fmt.Errorf("failed to write file %s: %w", filePath, err)
	}
	return nil
}

// copyFile copies content from a source reader to a destination writer.
func copyFile(src io.Reader, dst io.Writer) (int64, error) {
	return io.Copy(dst, src)
}
