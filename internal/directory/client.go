// Package directory resolves persons against the institutional
// directory. Holder scipers unknown to the local person table are
// looked up here before the owning transaction proceeds.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/pkg/config"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

// Client queries the directory's JSON person endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient builds a directory client. An empty base URL yields a
// client that resolves nothing, so unknown scipers fail closed.
func NewClient(cfg config.DirectoryConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type personPayload struct {
	Sciper    string `json:"sciper"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// ResolvePerson fetches one person by sciper.
func (c *Client) ResolvePerson(ctx context.Context, sciper string) (*models.Person, error) {
	if c.baseURL == "" {
		return nil, appErrors.Clone(appErrors.ErrNotFound,
			fmt.Sprintf("person %s not found and no directory is configured", sciper))
	}

	endpoint := fmt.Sprintf("%s/persons/%s", c.baseURL, url.PathEscape(sciper))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "directory lookup failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("person %s not found in directory", sciper))
	case resp.StatusCode != http.StatusOK:
		return nil, appErrors.Clone(appErrors.ErrInternal, fmt.Sprintf("directory returned status %d", resp.StatusCode))
	}

	var payload personPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed directory response")
	}
	if payload.Sciper == "" {
		payload.Sciper = sciper
	}

	return &models.Person{
		Sciper:    payload.Sciper,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		Email:     payload.Email,
	}, nil
}
