package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"go-case-intake/models"
)

const testCookieSecret = "0123456789abcdef0123456789abcdef"

// fakeRemote stands in for the verification and case-form services. Tokens
// carry the step they were issued for, and each call checks the previous step.
type fakeRemote struct {
	mutex     sync.Mutex
	drafts    map[string]map[string]any
	confirmed map[string]map[string]any
	rejects   map[string]string
	submits   int
	down      bool

	verification *httptest.Server
	cases        *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		drafts:    map[string]map[string]any{},
		confirmed: map[string]map[string]any{},
		rejects:   map[string]string{},
	}
	f.verification = httptest.NewServer(http.HandlerFunc(f.handleGraphQL))

	router := mux.NewRouter()
	router.HandleFunc("/", f.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/{id}", f.handleFetch).Methods(http.MethodGet)
	router.HandleFunc("/{id}", f.handleConfirm).Methods(http.MethodPost)
	f.cases = httptest.NewServer(router)

	t.Cleanup(func() {
		f.verification.Close()
		f.cases.Close()
	})
	return f
}

func (f *fakeRemote) reject(operation, message string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.rejects[operation] = message
}

func (f *fakeRemote) setDown(down bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.down = down
}

// tokenStep returns the step carried by an authorization header, or 0.
func tokenStep(header string) int {
	var token struct {
		ID   string `json:"id"`
		Step int    `json:"step"`
	}
	if json.Unmarshal([]byte(header), &token) != nil || token.ID != "7" {
		return 0
	}
	return token.Step
}

func (f *fakeRemote) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req models.GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var operation string
	var step int
	switch {
	case req.Variables["doctorId"] != nil:
		operation, step = "verifyDoctorId", 1
	case req.Variables["fName"] != nil:
		operation, step = "verifyUsername", 2
	default:
		operation, step = "verifyDob", 3
	}

	result := map[string]any{"success": true, "message": "OK", "body": map[string]any{"id": "7", "step": step}}
	if step > 1 && tokenStep(r.Header.Get("Authorization")) != step-1 {
		result = map[string]any{"success": false, "message": "Token does not match.", "body": nil}
	}
	if msg, ok := f.rejects[operation]; ok {
		result = map[string]any{"success": false, "message": msg, "body": nil}
	}
	json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{operation: result}})
}

func (f *fakeRemote) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	if tokenStep(r.Header.Get("Authorization")) != 3 {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "Token does not match."})
		return false
	}
	return true
}

func (f *fakeRemote) handleSubmit(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.authorized(w, r) {
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	f.submits++
	id := "abc123"
	if f.submits > 1 {
		id = fmt.Sprintf("case-%d", f.submits)
	}

	files := []map[string]any{}
	for _, fh := range r.MultipartForm.File["files"] {
		files = append(files, map[string]any{"filename": fh.Filename})
	}
	f.drafts[id] = map[string]any{
		"id":              id,
		"ageIdentity":     r.FormValue("age_identity"),
		"accompIdent":     r.FormValue("accomp_ident"),
		"statusDisease":   r.FormValue("status_disease"),
		"statusCondition": r.FormValue("status_condition"),
		"statusSymptom":   r.FormValue("status_symptom"),
		"province":        r.FormValue("province"),
		"district":        r.FormValue("district"),
		"position":        r.FormValue("position"),
		"files":           files,
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true, "form_id": id, "detail": "Form drafted."})
}

func (f *fakeRemote) handleFetch(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.authorized(w, r) {
		return
	}
	draft, ok := f.drafts[mux.Vars(r)["id"]]
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "Session not found"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true, "body": draft, "detail": "Form created."})
}

func (f *fakeRemote) handleConfirm(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.authorized(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, ok := f.confirmed[id]; ok {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "Data with this ID already exists"})
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.confirmed[id] = body
	json.NewEncoder(w).Encode(map[string]any{"success": true, "detail": "Data registered."})
}

func (f *fakeRemote) confirmedCase(id string) map[string]any {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.confirmed[id]
}

func (f *fakeRemote) config() Config {
	return Config{
		VerificationUrl: f.verification.URL,
		FormUrl:         f.cases.URL,
		RequestTimeout:  Duration(2 * time.Second),
		CookieSecret:    testCookieSecret,
		StorageType:     "memory",
	}
}

// testHost is a running workflow host and a browser-like client for it.
type testHost struct {
	url     string
	client  *http.Client
	state   *ServerState
	storage ClientStorage
}

func startTestServer(t *testing.T, config Config) *testHost {
	t.Helper()

	storage, err := createClientStorage(&config)
	require.NoError(t, err)
	signer, err := NewHmacClientSigner(config.CookieSecret, time.Hour)
	require.NoError(t, err)

	state := &ServerState{
		registry: NewRegistry(newWorkflowFactory(config, storage), time.Hour),
		signer:   signer,
	}
	srv, err := NewServer(state, ServerConfig{Host: "localhost", Port: 0})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHost{url: ts.URL, client: newBrowser(t), state: state, storage: storage}
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func doRequest[T any](t *testing.T, client *http.Client, method, url, contentType string, body io.Reader) (*http.Response, []byte, *T) {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func postJSON[T any](t *testing.T, client *http.Client, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	return doRequest[T](t, client, http.MethodPost, url, "application/json", body)
}

func putJSON[T any](t *testing.T, client *http.Client, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return doRequest[T](t, client, http.MethodPut, url, "application/json", bytes.NewBuffer(b))
}

func getJSON[T any](t *testing.T, client *http.Client, url string) (*http.Response, []byte, *T) {
	t.Helper()
	return doRequest[T](t, client, http.MethodGet, url, "", nil)
}

func postFiles[T any](t *testing.T, client *http.Client, url string, files map[string]string) (*http.Response, []byte, *T) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.Copy(part, strings.NewReader(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return doRequest[T](t, client, http.MethodPost, url, w.FormDataContentType(), &buf)
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

var testFields = map[string]string{
	"age_identity":     "4",
	"accomp_ident":     "Accompanied by a sibling.",
	"status_disease":   "Suspected dengue.",
	"status_condition": "Sustained fever for five days.",
	"status_symptom":   "Joint pain and rash.",
	"province":         "Bagmati",
	"district":         "Lalitpur",
}

// verifyAll walks the three verification steps through the API.
func (h *testHost) verifyAll(t *testing.T) {
	t.Helper()
	steps := []struct {
		path    string
		payload map[string]string
		next    string
	}{
		{"/api/steps/work-id", map[string]string{"work_id": "7"}, "name"},
		{"/api/steps/name", map[string]string{"first_name": "Sita", "last_name": "Sharma"}, "date-of-birth"},
		{"/api/steps/date-of-birth", map[string]string{"dob": "1990-06-15"}, "intake"},
	}
	for _, s := range steps {
		resp, body, sr := postJSON[StepResponse](t, h.client, h.url+s.path, s.payload)
		mustStatus(t, resp, http.StatusOK, body)
		require.Truef(t, sr.Success, "step %s: %s", s.path, body)
		require.Equal(t, s.next, sr.Stage)
	}
}

// fillIntake sets every field and the location through the API.
func (h *testHost) fillIntake(t *testing.T) {
	t.Helper()
	resp, body, _ := postJSON[RecordResponse](t, h.client, h.url+"/api/intake/fields", testFields)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, _ = postJSON[RecordResponse](t, h.client, h.url+"/api/intake/location", map[string]float64{"lat": 27.658354, "lng": 85.325065})
	mustStatus(t, resp, http.StatusOK, body)
}
