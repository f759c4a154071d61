package service

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

//go:embed service_info.json
var defaultServiceInfo []byte

// Authorizer decides whether the presented passports grant access to an
// object. Passport and visa validation is left to implementations.
type Authorizer interface {
	Authorize(ctx context.Context, objectID string, passports []string) error
}

type AuthorizerFunc func(ctx context.Context, objectID string, passports []string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, objectID string, passports []string) error {
	return f(ctx, objectID, passports)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(context.Context, string, []string) error {
	return nil
}

type Checksum struct {
	Checksum string `json:"checksum"`
	Type     string `json:"type"`
}

type AccessMethod struct {
	Type     string `json:"type"`
	AccessID string `json:"access_id,omitempty"`
}

type DrsObject struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	SelfURI       string         `json:"self_uri"`
	Size          int64          `json:"size"`
	CreatedTime   time.Time      `json:"created_time"`
	Checksums     []Checksum     `json:"checksums"`
	AccessMethods []AccessMethod `json:"access_methods"`
	Description   string         `json:"description,omitempty"`
}

type AccessURL struct {
	URL     string `json:"url"`
	Headers string `json:"headers"`
}

// DrsService answers the read side of the DRS API with fixed example
// content. Only authorization is enforced.
type DrsService struct {
	authorizer  Authorizer
	serviceInfo json.RawMessage
}

// NewDrsService loads the service description from serviceInfoPath, or uses
// the built-in one when the path is empty.
func NewDrsService(authorizer Authorizer, serviceInfoPath string) (*DrsService, error) {
	info := defaultServiceInfo
	if serviceInfoPath != "" {
		content, err := os.ReadFile(serviceInfoPath)
		if err != nil {
			return nil, fmt.Errorf("reading service info: %w", err)
		}
		info = content
	}
	if !json.Valid(info) {
		return nil, fmt.Errorf("service info %q is not valid json", serviceInfoPath)
	}
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	return &DrsService{authorizer: authorizer, serviceInfo: info}, nil
}

func (s *DrsService) ServiceInfo() json.RawMessage {
	return s.serviceInfo
}

func (s *DrsService) GetObject(ctx context.Context, objectID string, passports []string) (*DrsObject, error) {
	if err := s.authorize(ctx, objectID, passports); err != nil {
		return nil, err
	}
	return &DrsObject{
		ID:          objectID,
		Name:        objectID,
		SelfURI:     "drs://localhost/" + objectID,
		CreatedTime: time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
		Checksums:   []Checksum{{Checksum: "", Type: "sha-256"}},
		AccessMethods: []AccessMethod{
			{Type: "https", AccessID: "https"},
		},
		Description: "example object",
	}, nil
}

func (s *DrsService) GetAccessURL(ctx context.Context, objectID, accessID string, passports []string) (*AccessURL, error) {
	if err := s.authorize(ctx, objectID, passports); err != nil {
		return nil, err
	}
	return &AccessURL{
		URL:     "http://localhost/object.zip",
		Headers: "Authorization: None",
	}, nil
}

func (s *DrsService) authorize(ctx context.Context, objectID string, passports []string) error {
	if err := s.authorizer.Authorize(ctx, objectID, passports); err != nil {
		return NewErrForbidden(err.Error())
	}
	return nil
}
