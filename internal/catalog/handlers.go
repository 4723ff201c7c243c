package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth guards the catalog admin routes with the configured admin
// credentials; the password is checked against a bcrypt hash.
func BasicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="catalog"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func PutModuleHandler(store *SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Module
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if m.ActivityID == "" {
			http.Error(w, "activity_id required", http.StatusBadRequest)
			return
		}
		if err := store.Put(r.Context(), m); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetModuleHandler reads ?activity_id=...; activity IDs are URIs, so they
// travel as a query parameter rather than a path segment.
func GetModuleHandler(store *SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("activity_id")
		if id == "" {
			http.Error(w, "activity_id required", http.StatusBadRequest)
			return
		}
		m, err := store.Get(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "module not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(m)
	}
}
