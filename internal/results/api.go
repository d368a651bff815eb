package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// newAPI creates handlers for the results API.
func newAPI(m *Manager) http.Handler {
	api := &resultsAPI{m: m}
	router := mux.NewRouter()
	api.registerRoutes(router)
	return router
}

type resultsAPI struct {
	m *Manager
}

func (api *resultsAPI) registerRoutes(router *mux.Router) {
	router.HandleFunc("/sessions", api.listSessions).Methods("GET")
	router.HandleFunc("/sessions/{session}", api.getSession).Methods("GET")
	router.HandleFunc("/sessions/{session}/test/{test}", api.getTest).Methods("GET")
}

// sessionInfo is the list entry of a session.
type sessionInfo struct {
	ID      SessionID `json:"id"`
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	Tests   int       `json:"tests"`
}

func (api *resultsAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := api.m.Sessions()
	list := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		snap := api.m.snapshot(s)
		_, running := api.m.IsSessionRunning(s.ID)
		list = append(list, sessionInfo{ID: s.ID, Name: s.Name, Running: running, Tests: len(snap.Tests)})
	}
	serveJSON(w, list)
}

func (api *resultsAPI) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := api.requestSession(r)
	if err != nil {
		serveError(w, err, http.StatusNotFound)
		return
	}
	serveJSON(w, api.m.snapshot(s))
}

func (api *resultsAPI) getTest(w http.ResponseWriter, r *http.Request) {
	s, err := api.requestSession(r)
	if err != nil {
		serveError(w, err, http.StatusNotFound)
		return
	}
	testString := mux.Vars(r)["test"]
	id, err := strconv.Atoi(testString)
	if err != nil {
		serveError(w, fmt.Errorf("invalid test case id %q", testString), http.StatusBadRequest)
		return
	}
	test, ok := api.m.snapshot(s).Tests[TestID(id)]
	if !ok {
		serveError(w, ErrNoSuchTestCase, http.StatusNotFound)
		return
	}
	serveJSON(w, test)
}

// requestSession returns the session addressed by the request.
func (api *resultsAPI) requestSession(r *http.Request) (*Session, error) {
	str := mux.Vars(r)["session"]
	id, err := strconv.Atoi(str)
	if err != nil {
		return nil, fmt.Errorf("invalid session %q", str)
	}
	s, ok := api.m.Session(SessionID(id))
	if !ok {
		return nil, ErrNoSuchSession
	}
	return s, nil
}

// apiError is the body of error responses.
type apiError struct {
	Error string `json:"error"`
}

func serveJSON(w http.ResponseWriter, value interface{}) {
	resp, err := json.Marshal(value)
	if err != nil {
		serveError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func serveError(w http.ResponseWriter, err error, status int) {
	resp, _ := json.Marshal(&apiError{Error: err.Error()})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}
