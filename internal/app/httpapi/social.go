package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/app/services/social"
	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) socialRoutes(api *mux.Router) {
	api.HandleFunc("/me", h.me).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{id}", h.profile).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{id}/follow", h.follow).Methods(http.MethodPost)
	api.HandleFunc("/profiles/{id}/follow", h.unfollow).Methods(http.MethodDelete)
	api.HandleFunc("/profiles/{id}/block", h.block).Methods(http.MethodPost)
	api.HandleFunc("/profiles/{id}/block", h.unblock).Methods(http.MethodDelete)
	api.HandleFunc("/profiles/{id}/mutual", h.mutual).Methods(http.MethodGet)

	api.HandleFunc("/communities", h.listCommunities).Methods(http.MethodGet)
	api.HandleFunc("/communities", h.createCommunity).Methods(http.MethodPost)
	api.HandleFunc("/communities/{id}", h.community).Methods(http.MethodGet)
	api.HandleFunc("/communities/{id}/join", h.joinCommunity).Methods(http.MethodPost)
	api.HandleFunc("/communities/{id}/membership", h.leaveCommunity).Methods(http.MethodDelete)
	api.HandleFunc("/communities/{id}/members", h.communityMembers).Methods(http.MethodGet)
	api.HandleFunc("/communities/{id}/members/{userID}/role", h.setRole).Methods(http.MethodPut)
	api.HandleFunc("/communities/{id}/posts", h.communityPosts).Methods(http.MethodGet)
	api.HandleFunc("/communities/{id}/inbound", h.provisionInbound).Methods(http.MethodPost)
	api.HandleFunc("/communities/{id}/inbound", h.deprovisionInbound).Methods(http.MethodDelete)

	api.HandleFunc("/posts", h.createPost).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}", h.post).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}", h.deletePost).Methods(http.MethodDelete)
}

// me returns the caller's own profile, including their email.
func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Repo.GetProfile(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.app.Social.Stats(r.Context(), p.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"profile": p, "stats": stats})
}

func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, err := h.app.Social.Profile(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.app.Social.Stats(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"profile": p, "stats": stats})
}

func (h *handler) follow(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.Follow(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unfollow(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.Unfollow(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.Block(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.Unblock(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) mutual(w http.ResponseWriter, r *http.Request) {
	ok, err := h.app.Social.IsMutual(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"mutual": ok})
}

func (h *handler) listCommunities(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Social.Communities(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) createCommunity(w http.ResponseWriter, r *http.Request) {
	var in social.CommunityInput
	if !h.decode(w, r, &in) {
		return
	}
	c, err := h.app.Social.CreateCommunity(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

func (h *handler) community(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Social.Community(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *handler) joinCommunity(w http.ResponseWriter, r *http.Request) {
	m, err := h.app.Social.Join(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *handler) leaveCommunity(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.Leave(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) communityMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.app.Social.Members(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (h *handler) setRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	err := h.app.Social.SetRole(r.Context(), userID(r), pathVar(r, "id"), pathVar(r, "userID"), body.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) communityPosts(w http.ResponseWriter, r *http.Request) {
	before, err := queryBefore(r)
	if err != nil {
		httputil.BadRequest(w, r, "before must be an RFC3339 timestamp")
		return
	}
	posts, err := h.app.Social.CommunityPosts(r.Context(), pathVar(r, "id"), before, queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, posts)
}

func (h *handler) provisionInbound(w http.ResponseWriter, r *http.Request) {
	addr, err := h.app.Inbound.Provision(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, addr)
}

func (h *handler) deprovisionInbound(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Inbound.Deprovision(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createPost(w http.ResponseWriter, r *http.Request) {
	var in social.PostInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.app.Social.CreatePost(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *handler) post(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Social.Post(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *handler) deletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Social.DeletePost(r.Context(), userID(r), pathVar(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
