package httpapi

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/app/services/storage"
	"github.com/plaza-social/plaza/internal/httputil"
)

const (
	defaultUploadLimit = 50 << 20
	multipartOverhead  = 1 << 20
)

func (h *handler) storageRoutes(api *mux.Router) {
	api.HandleFunc("/storage/usage", h.storageUsage).Methods(http.MethodGet)
	api.HandleFunc("/storage/objects", h.listObjects).Methods(http.MethodGet)
	api.HandleFunc("/storage/objects", h.uploadObject).Methods(http.MethodPost)
	api.HandleFunc("/storage/objects/{id}", h.deleteObject).Methods(http.MethodDelete)
}

func (h *handler) storageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.app.Storage.Usage(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, usage)
}

func (h *handler) listObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := h.app.Storage.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, objects)
}

// uploadObject accepts a multipart form with a single "file" part.
func (h *handler) uploadObject(w http.ResponseWriter, r *http.Request) {
	limit := h.app.Config.Economy.MaxUploadBytes
	if limit <= 0 {
		limit = defaultUploadLimit
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if stderrors.As(err, &tooBig) {
			writeError(w, r, storage.ErrTooLarge)
			return
		}
		httputil.BadRequest(w, r, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		httputil.BadRequest(w, r, "failed to read upload")
		return
	}
	if int64(len(data)) > limit {
		writeError(w, r, storage.ErrTooLarge)
		return
	}

	obj, err := h.app.Storage.Upload(r.Context(), userID(r), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, obj)
}

func (h *handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Storage.Delete(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
