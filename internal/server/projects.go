package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/crypto"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input core.CreateProject
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid project body: "+err.Error()))
		return
	}
	if input.Name == "" || input.Slug == "" {
		writeError(w, errInvalidInput("project name and slug are required"))
		return
	}
	if input.ProviderType != core.ProviderAuto &&
		input.ProviderType != core.ProviderGitHub &&
		input.ProviderType != core.ProviderGitea {
		writeError(w, errInvalidInput("invalid provider_type: "+string(input.ProviderType)))
		return
	}

	project, err := s.db.CreateProject(&input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.db.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []core.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteProject(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSetRepoToken seals the plaintext token before it touches the
// database. An empty token clears the stored one.
func (s *Server) handleSetRepoToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid token body: "+err.Error()))
		return
	}

	if _, err := s.db.GetProject(id); err != nil {
		writeError(w, err)
		return
	}

	sealed := ""
	if input.Token != "" {
		var err error
		sealed, err = crypto.Seal(s.sealKey, input.Token)
		if err != nil {
			writeError(w, errInternal("seal token: "+err.Error()))
			return
		}
	}

	if err := s.db.SetProjectRepoToken(id, sealed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleGetRepoToken unseals and returns the plaintext token. Runners call
// this right before cloning; the endpoint sits behind api-key auth like
// everything else.
func (s *Server) handleGetRepoToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sealed, err := s.db.GetProjectRepoToken(id)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := crypto.Unseal(s.sealKey, sealed)
	if err != nil {
		writeError(w, errInternal("unseal token: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
