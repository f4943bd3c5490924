// Package testloop is an in-process Learning Loop stub for tests: the HTTP
// artifact API and the websocket event channel, with failure injection and
// call recording.
package testloop

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zauberzeug/loopnode/types"
)

// envelope mirrors the event channel wire frames.
type envelope struct {
	Kind     string                `json:"kind"`
	ID       uint64                `json:"id,omitempty"`
	Event    string                `json:"event,omitempty"`
	Args     json.RawMessage       `json:"args,omitempty"`
	Response *types.SocketResponse `json:"response,omitempty"`
}

// Stub is one fake Learning Loop instance.
type Stub struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex

	// ImageIDsByState configures GET /data?state=... responses.
	ImageIDsByState map[string][]string
	// TestImageIDs marks ids reported with set=test (default: train).
	TestImageIDs map[string]bool

	// RejectTrainerStatus makes update_trainer answer success=false.
	RejectTrainerStatus bool

	// DetectorTargetModelID is handed back with every update_detector
	// reply; the detector node deploys it.
	DetectorTargetModelID string

	// failuresLeft maps a path substring to a countdown of injected 500s.
	failuresLeft map[string]int

	// modelCategories/modelResolution shape the model.json of served
	// archives.
	modelCategories []types.Category
	modelResolution int

	// Recorded traffic.
	trainingUpdates  []types.TrainingOut
	trainerStatuses  []types.TrainingStatus
	detectionBatches [][]types.Detections
	modelUploads     []string // API path without /api; save uploads prefixed "save:"
	mintedModelIDs   []string

	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	nextID  uint64
	pending map[uint64]chan types.SocketResponse
}

func (s *Stub) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// New starts a stub; it is torn down with the test.
func New(t *testing.T) *Stub {
	s := &Stub{
		t:               t,
		ImageIDsByState: map[string][]string{},
		TestImageIDs:    map[string]bool{},
		failuresLeft:    map[string]int{},
		pending:         map[uint64]chan types.SocketResponse{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/socket.io", s.handleWebsocket)
	mux.HandleFunc("/api/", s.handleAPI)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the stub's base URL, usable as the node's loop host.
func (s *Stub) URL() string { return s.server.URL }

// FailNext makes the next n requests whose path contains fragment answer
// HTTP 500.
func (s *Stub) FailNext(fragment string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresLeft[fragment] = n
}

// --- HTTP API ---

func (s *Stub) handleAPI(w http.ResponseWriter, r *http.Request) {
	if s.injectFailure(w, r.URL.Path) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api")

	switch {
	case strings.HasSuffix(path, "/data"):
		state := r.URL.Query().Get("state")
		s.mu.Lock()
		ids := s.ImageIDsByState[state]
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string][]string{"image_ids": ids})

	case strings.HasSuffix(path, "/images"):
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		images := make([]types.ImageMetadata, 0, len(ids))
		s.mu.Lock()
		for _, id := range ids {
			set := "train"
			if s.TestImageIDs[id] {
				set = "test"
			}
			images = append(images, types.ImageMetadata{ID: id, Set: set})
		}
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"images": images})

	case strings.HasSuffix(path, "/main"):
		w.Write([]byte("jpeg"))

	case strings.Contains(path, "/models/") && strings.HasSuffix(path, "/file") && r.Method == http.MethodGet:
		s.serveModelArchive(w, r)

	case strings.Contains(path, "/models/latest/") && r.Method == http.MethodPut:
		s.recordModelUpload(w, r, path)

	case strings.Contains(path, "/models/") && r.Method == http.MethodPut:
		s.mu.Lock()
		s.modelUploads = append(s.modelUploads, "save:"+path)
		s.mu.Unlock()
		w.Write([]byte("{}"))

	case strings.HasSuffix(path, "/detections") && r.Method == http.MethodPost:
		var batch []types.Detections
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.detectionBatches = append(s.detectionBatches, batch)
		s.mu.Unlock()
		w.Write([]byte("{}"))

	default:
		http.NotFound(w, r)
	}
}

func (s *Stub) injectFailure(w http.ResponseWriter, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fragment, left := range s.failuresLeft {
		if left > 0 && strings.Contains(path, fragment) {
			s.failuresLeft[fragment] = left - 1
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return true
		}
	}
	return false
}

// serveModelArchive answers a model download with a zip holding model.json
// and a weight file. The categories and resolution are the ones the test
// configured via SetModelInformation.
func (s *Stub) serveModelArchive(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api"), "/")
	// /{org}/projects/{project}/models/{id}/{format}/file
	modelID, format := parts[5], parts[6]

	s.mu.Lock()
	info := types.ModelInformation{
		ID:         modelID,
		Categories: s.modelCategories,
		Resolution: s.modelResolution,
	}
	s.mu.Unlock()
	infoJSON, _ := json.Marshal(info)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("model.json")
	f.Write(infoJSON)
	f, _ = zw.Create("model." + format)
	f.Write([]byte("weights"))
	zw.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="model.zip"`)
	w.Write(buf.Bytes())
}

func (s *Stub) recordModelUpload(w http.ResponseWriter, r *http.Request, path string) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := types.NewUUID4()
	s.mu.Lock()
	s.modelUploads = append(s.modelUploads, path)
	s.mintedModelIDs = append(s.mintedModelIDs, id)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// SetModelInformation configures the model.json of served archives.
func (s *Stub) SetModelInformation(categories []types.Category, resolution int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCategories = categories
	s.modelResolution = resolution
}

// --- websocket event channel ---

func (s *Stub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		switch env.Kind {
		case "call":
			resp := s.handleNodeCall(env)
			s.writeJSON(conn, envelope{Kind: "ack", ID: env.ID, Response: &resp})
		case "ack":
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok && env.Response != nil {
				ch <- *env.Response
			}
		}
	}
}

func (s *Stub) handleNodeCall(env envelope) types.SocketResponse {
	switch env.Event {
	case "update_trainer":
		var status types.TrainingStatus
		json.Unmarshal(env.Args, &status)
		s.mu.Lock()
		s.trainerStatuses = append(s.trainerStatuses, status)
		reject := s.RejectTrainerStatus
		s.mu.Unlock()
		if reject {
			return types.SocketResponse{Success: false, Error: "node not registered"}
		}
		return types.Ok()

	case "update_training":
		var args []json.RawMessage
		json.Unmarshal(env.Args, &args)
		var out types.TrainingOut
		if len(args) == 3 {
			json.Unmarshal(args[2], &out)
		}
		s.mu.Lock()
		s.trainingUpdates = append(s.trainingUpdates, out)
		s.mu.Unlock()
		return types.Ok()

	case "update_detector":
		s.mu.Lock()
		target := s.DetectorTargetModelID
		s.mu.Unlock()
		if target == "" {
			return types.Ok()
		}
		payload, _ := json.Marshal(map[string]string{"target_model_id": target})
		return types.SocketResponse{Success: true, Payload: payload}
	}
	return types.SocketResponse{Success: false, Error: "unexpected event " + env.Event}
}

// CallNode drives an event into the connected node and returns its reply.
func (s *Stub) CallNode(event string, args interface{}) types.SocketResponse {
	payload, err := json.Marshal(args)
	if err != nil {
		s.t.Fatalf("marshal args: %v", err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	reply := make(chan types.SocketResponse, 1)
	s.pending[id] = reply
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("node is not connected to the stub")
	}

	if err := s.writeJSON(conn, envelope{Kind: "call", ID: id, Event: event, Args: payload}); err != nil {
		s.t.Fatalf("write to node: %v", err)
	}
	select {
	case resp := <-reply:
		return resp
	case <-time.After(10 * time.Second):
		s.t.Fatalf("timeout waiting for node reply to %s", event)
		return types.SocketResponse{}
	}
}

// --- recorded traffic accessors ---

// TrainingUpdates returns every update_training payload received.
func (s *Stub) TrainingUpdates() []types.TrainingOut {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TrainingOut(nil), s.trainingUpdates...)
}

// TrainerStatuses returns every update_trainer payload received.
func (s *Stub) TrainerStatuses() []types.TrainingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TrainingStatus(nil), s.trainerStatuses...)
}

// DetectionBatches returns every posted detection batch in arrival order.
func (s *Stub) DetectionBatches() [][]types.Detections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]types.Detections(nil), s.detectionBatches...)
}

// ModelUploads returns the upload paths seen so far.
func (s *Stub) ModelUploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modelUploads...)
}

// MintedModelIDs returns the uuids handed out for uploaded models.
func (s *Stub) MintedModelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mintedModelIDs...)
}
