// internal/clients/directory_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Directory is the channel directory this service consults before creating
// tariffs and issuing tokens. Channel metadata lives there, not here.
type Directory interface {
	ResourceExists(ctx context.Context, resourceID string) (bool, error)
	IsTariffOwnerAuthorized(ctx context.Context, resourceID, subjectID string) (bool, error)
}

// DirectoryClient talks to the channel directory over HTTP.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *DirectoryClient) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	return c.check(ctx, fmt.Sprintf("%s/resources/%s", c.baseURL, url.PathEscape(resourceID)))
}

func (c *DirectoryClient) IsTariffOwnerAuthorized(ctx context.Context, resourceID, subjectID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/resources/%s/admins/%s", c.baseURL, url.PathEscape(resourceID), url.PathEscape(subjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body struct {
		Authorized bool `json:"authorized"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Authorized, nil
}

func (c *DirectoryClient) check(ctx context.Context, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// StaticDirectory is an in-process directory for local runs and tests.
// With AllowAll set every resource exists and every subject is authorized.
type StaticDirectory struct {
	AllowAll bool

	mu     sync.RWMutex
	admins map[string]map[string]bool
}

func NewStaticDirectory(allowAll bool) *StaticDirectory {
	return &StaticDirectory{AllowAll: allowAll, admins: make(map[string]map[string]bool)}
}

// AddResource registers resourceID with the given admins.
func (d *StaticDirectory) AddResource(resourceID string, adminIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.admins[resourceID]
	if set == nil {
		set = make(map[string]bool)
		d.admins[resourceID] = set
	}
	for _, id := range adminIDs {
		set[id] = true
	}
}

// RemoveResource forgets resourceID and its admins.
func (d *StaticDirectory) RemoveResource(resourceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.admins, resourceID)
}

func (d *StaticDirectory) ResourceExists(_ context.Context, resourceID string) (bool, error) {
	if d.AllowAll {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[resourceID]
	return ok, nil
}

func (d *StaticDirectory) IsTariffOwnerAuthorized(_ context.Context, resourceID, subjectID string) (bool, error) {
	if d.AllowAll {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.admins[resourceID][subjectID], nil
}
