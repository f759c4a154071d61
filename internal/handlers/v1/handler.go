// Package v1 exposes the upload pipeline and the DRS endpoints over HTTP.
package v1

import (
	"context"
	"io"
	"net/http"

	"github.com/fuse-drs/drs-provider/internal/service"
	"github.com/go-chi/chi/v5"
)

// UploadService is the part of service.UploadService the handlers use.
type UploadService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResponse, error)
	Status(ctx context.Context, objectID string) (*service.StatusView, error)
	Delete(ctx context.Context, objectID string) service.DeleteResult
	Search(ctx context.Context, submitterID string) ([]string, error)
}

type ServiceHandler struct {
	uploadSrv      UploadService
	drsSrv         *service.DrsService
	maxUploadBytes int64
}

func NewServiceHandler(uploadSrv UploadService, drsSrv *service.DrsService, maxUploadBytes int64) *ServiceHandler {
	return &ServiceHandler{
		uploadSrv:      uploadSrv,
		drsSrv:         drsSrv,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes mounts every endpoint on r.
func (h *ServiceHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/service-info", h.ServiceInfo)

	r.Post("/submit", h.Submit)
	r.Get("/objects/search/{submitter_id}", h.Search)
	r.Get("/objects/status/{object_id}", h.Status)
	r.Delete("/delete/{object_id}", h.Delete)

	r.Get("/objects/{object_id}", h.GetObject)
	r.Post("/objects/{object_id}", h.PostObject)
	r.Get("/objects/{object_id}/access/{access_id}", h.GetAccessURL)
	r.Post("/objects/{object_id}/access/{access_id}", h.PostAccessURL)
}

func (h *ServiceHandler) limitBody(w http.ResponseWriter, r *http.Request) io.ReadCloser {
	if h.maxUploadBytes <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
}
