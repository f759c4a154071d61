package v1

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fuse-drs/drs-provider/internal/service"
	"github.com/fuse-drs/drs-provider/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

const archiveField = "archive"

type SubmitResponse struct {
	ObjectID string `json:"object_id"`
}

type ObjectRef struct {
	ObjectID string `json:"object_id"`
}

type StatusResponse struct {
	Status  string                `json:"status"`
	Message *service.StatusDetail `json:"message,omitempty"`
}

// Submit streams the "archive" part of a multipart body into the upload
// pipeline without buffering it in memory.
func (h *ServiceHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.NewDebugLogger("upload_handler").WithContext(ctx).Operation("submit").Build()

	r.Body = h.limitBody(w, r)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("failed to read multipart form: %v", err))
		return
	}

	query := r.URL.Query()
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error(err).Log()
			writeError(w, r, statusFor(err), fmt.Sprintf("failed to read multipart form: %v", err))
			return
		}
		if part.FormName() != archiveField {
			part.Close()
			continue
		}

		resp, err := h.uploadSrv.Submit(ctx, service.SubmitRequest{
			SubmitterID:       query.Get("submitter_id"),
			RequestedObjectID: query.Get("requested_object_id"),
			APIKey:            query.Get("apikey"),
			Filename:          part.FileName(),
			Payload:           part,
		})
		part.Close()
		if err != nil {
			logger.Error(err).Log()
			writeError(w, r, statusFor(err), err.Error())
			return
		}

		logger.Success().WithString("object_id", resp.ObjectID).Log()
		render.JSON(w, r, SubmitResponse{ObjectID: resp.ObjectID})
		return
	}

	writeError(w, r, http.StatusBadRequest, fmt.Sprintf("multipart field %q is required", archiveField))
}

func (h *ServiceHandler) Search(w http.ResponseWriter, r *http.Request) {
	ids, err := h.uploadSrv.Search(r.Context(), chi.URLParam(r, "submitter_id"))
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}

	refs := make([]ObjectRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, ObjectRef{ObjectID: id})
	}
	render.JSON(w, r, refs)
}

func (h *ServiceHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.uploadSrv.Status(r.Context(), chi.URLParam(r, "object_id"))
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	render.JSON(w, r, StatusResponse{Status: string(view.Status), Message: view.Message})
}

// Delete always answers 200; the outcome is carried in the body.
func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.uploadSrv.Delete(r.Context(), chi.URLParam(r, "object_id")))
}
