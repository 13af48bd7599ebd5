package server

import (
	"net/http"
)

type groupRequest struct {
	Name    string   `json:"name"`
	Policy  string   `json:"policy"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	g, err := s.repo.CreateGroup(r.Context(), req.Name, req.Policy, req.Members)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("group created", "groupId", g.ID, "policy", g.Policy)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.repo.ListGroups(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req groupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.repo.UpdateGroup(r.Context(), id, req.Policy, req.Members)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.repo.DeleteGroup(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.log.Info("group deleted", "groupId", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
