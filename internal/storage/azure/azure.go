// Package azure writes one blob per record to an Azure Blob Storage
// container.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"pkt.systems/storebench/internal/storage"
)

const name = "azure"

// DefaultPrefix is used when the target names no prefix.
const DefaultPrefix = "storebench"

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for
	// Azurite.
	Endpoint  string
	SASToken  string
	Container string
	Prefix    string
}

// ParseURL reads azure://account/container[/prefix]?endpoint=url. The
// account key comes from AZURE_STORAGE_KEY and a SAS token from
// AZURE_STORAGE_SAS_TOKEN so secrets stay out of the target string.
func ParseURL(target string) (Config, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return Config{}, fmt.Errorf("azure: parse target: %w", err)
	}
	if u.Scheme != "azure" {
		return Config{}, fmt.Errorf("azure: target scheme must be azure://, got %q", u.Scheme)
	}
	container, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	cfg := Config{
		Account:    u.Host,
		AccountKey: os.Getenv("AZURE_STORAGE_KEY"),
		SASToken:   os.Getenv("AZURE_STORAGE_SAS_TOKEN"),
		Endpoint:   u.Query().Get("endpoint"),
		Container:  container,
		Prefix:     prefix,
	}
	if cfg.Account == "" || cfg.Container == "" {
		return Config{}, errors.New("azure: target must name account and container")
	}
	return cfg, nil
}

// Store implements storage.Backend on Azure Blob Storage.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	client *azblob.Client
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Store{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	clone := http.DefaultTransport.(*http.Transport).Clone()
	clone.MaxIdleConns = 1024
	clone.MaxIdleConnsPerHost = 512
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func (s *Store) newClient() (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if s.cfg.SASToken != "" {
		endpoint, err := appendSASToken(s.cfg.Endpoint, s.cfg.SASToken)
		if err != nil {
			return nil, err
		}
		return azblob.NewClientWithNoCredential(endpoint, opts)
	}
	cred, err := azblob.NewSharedKeyCredential(s.cfg.Account, s.cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("build credentials: %w", err)
	}
	return azblob.NewClientWithSharedKeyCredential(s.cfg.Endpoint, cred, opts)
}

func (s *Store) Connect(ctx context.Context) error {
	client, err := s.newClient()
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	if err := checkContainer(ctx, client, s.cfg.Container); err != nil {
		return storage.Connection(name, "connect", err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func checkContainer(ctx context.Context, client *azblob.Client, container string) error {
	_, err := client.ServiceClient().NewContainerClient(container).GetProperties(ctx, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func (s *Store) handle() *azblob.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Store) HealthCheck(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	return storage.Connection(name, "health", checkContainer(ctx, c, s.cfg.Container))
}

// PrepareSchema ensures the container exists and deletes every blob below
// the prefix.
func (s *Store) PrepareSchema(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	if _, err := c.CreateContainer(ctx, s.cfg.Container, nil); err != nil && !isContainerExists(err) {
		return storage.Write(name, "prepare", "", fmt.Errorf("create container: %w", err))
	}
	prefix := s.cfg.Prefix + "/"
	pager := c.NewListBlobsFlatPager(s.cfg.Container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("list: %w", err))
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if _, err := c.DeleteBlob(ctx, s.cfg.Container, *item.Name, nil); err != nil && !isNotFound(err) {
				return storage.Write(name, "prepare", "", fmt.Errorf("delete %s: %w", *item.Name, err))
			}
		}
	}
	return nil
}

// BlobName maps a record key to its blob name.
func (s *Store) BlobName(key string) string {
	return path.Join(s.cfg.Prefix, url.PathEscape(key))
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	_, err := c.UploadBuffer(ctx, s.cfg.Container, s.BlobName(key), []byte(value), nil)
	return storage.Write(name, "write", key, err)
}

func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	c := s.handle()
	if c == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	resp, err := c.DownloadStream(ctx, s.cfg.Container, s.BlobName(key), nil)
	if err != nil {
		if isNotFound(err) {
			err = storage.ErrNotFound
		}
		return "", storage.Read(name, key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return string(data), storage.Read(name, key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return nil
}
