package v1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

const passportsField = "passports"

func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (h *ServiceHandler) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.drsSrv.ServiceInfo())
}

func (h *ServiceHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	h.object(w, r, nil)
}

func (h *ServiceHandler) PostObject(w http.ResponseWriter, r *http.Request) {
	passports, ok := h.passports(w, r)
	if !ok {
		return
	}
	h.object(w, r, passports)
}

func (h *ServiceHandler) GetAccessURL(w http.ResponseWriter, r *http.Request) {
	h.accessURL(w, r, nil)
}

func (h *ServiceHandler) PostAccessURL(w http.ResponseWriter, r *http.Request) {
	passports, ok := h.passports(w, r)
	if !ok {
		return
	}
	h.accessURL(w, r, passports)
}

func (h *ServiceHandler) object(w http.ResponseWriter, r *http.Request, passports []string) {
	obj, err := h.drsSrv.GetObject(r.Context(), chi.URLParam(r, "object_id"), passports)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	render.JSON(w, r, obj)
}

func (h *ServiceHandler) accessURL(w http.ResponseWriter, r *http.Request, passports []string) {
	url, err := h.drsSrv.GetAccessURL(r.Context(), chi.URLParam(r, "object_id"), chi.URLParam(r, "access_id"), passports)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	render.JSON(w, r, url)
}

// passports reads the repeatable "passports" form field from either an
// urlencoded or a multipart body.
func (h *ServiceHandler) passports(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	r.Body = h.limitBody(w, r)
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, r, http.StatusBadRequest, "failed to read form: "+err.Error())
		return nil, false
	}
	return r.Form[passportsField], true
}
