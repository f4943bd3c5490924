package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/exchanger"
	"github.com/zauberzeug/loopnode/node"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

// statusInterval paces the detector's heartbeat; the loop answers it with
// the model the node should be serving.
const statusInterval = 10 * time.Second

// DetectorNode serves detections with the model the loop assigns to it.
type DetectorNode struct {
	*node.Node

	detector  Detector
	exchanger *exchanger.Exchanger
	Errors    *errors.Map

	mu             sync.Mutex
	currentModelID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a detector node for a concrete detector implementation.
func NewNode(name string, cfg *config.Config, detector Detector) (*DetectorNode, error) {
	base, err := node.New(name, cfg)
	if err != nil {
		return nil, err
	}

	n := &DetectorNode{
		Node:     base,
		detector: detector,
		exchanger: exchanger.New(base.Client, types.Context{
			Organization: cfg.Organization,
			Project:      cfg.Project,
		}),
		Errors: errors.NewMap(),
	}
	base.SetStatusSender(n)
	base.Channel.OnEvent("detect", n.onDetect)
	return n, nil
}

// Start connects the node and begins the heartbeat.
func (n *DetectorNode) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.Node.Start(runCtx)

	n.wg.Add(1)
	go n.statusLoop(runCtx)
}

// Stop shuts the node down.
func (n *DetectorNode) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.Node.Stop()
	n.wg.Wait()
}

func (n *DetectorNode) statusLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := n.SendStatus(ctx); err != nil {
			n.Errors.Set("send_status", err.Error())
		} else {
			n.Errors.Reset("send_status")
		}
	}
}

// CurrentModelID returns the id of the model currently serving detections.
func (n *DetectorNode) CurrentModelID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentModelID
}

// SendStatus pushes the detector heartbeat. The loop's reply names the
// target model; a mismatch triggers a deployment.
func (n *DetectorNode) SendStatus(ctx context.Context) error {
	if !n.Channel.Connected() {
		return nil
	}

	uptime := n.Uptime()
	status := types.DetectionStatus{
		ID:             n.UUID,
		Name:           n.Name,
		State:          n.State(),
		Uptime:         &uptime,
		Errors:         n.Errors.Snapshot(),
		CurrentModelID: n.CurrentModelID(),
		OperationMode:  "idle",
	}

	resp, err := n.Channel.Call(ctx, "update_detector",
		[]interface{}{n.Config.Organization, n.Config.Project, status})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.Newf("loop rejected detector status: %s", resp.Error)
	}

	var payload struct {
		TargetModelID string `json:"target_model_id"`
	}
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &payload); err != nil {
			return errors.Wrap(err, "malformed update_detector payload")
		}
	}
	if payload.TargetModelID != "" && payload.TargetModelID != n.CurrentModelID() {
		if err := n.deployModel(ctx, payload.TargetModelID); err != nil {
			n.Errors.Set("update_model", err.Error())
			return err
		}
		n.Errors.Reset("update_model")
	}
	return nil
}

// deployModel downloads the target model and activates it.
func (n *DetectorNode) deployModel(ctx context.Context, modelID string) error {
	modelFolder := filepath.Join(n.Config.DataFolder, "models", modelID)
	if err := os.MkdirAll(modelFolder, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", modelFolder)
	}
	if err := n.exchanger.DownloadModel(ctx, modelFolder, modelID, n.detector.ModelFormat()); err != nil {
		return err
	}

	var info types.ModelInformation
	if err := persist.ReadJSON(filepath.Join(modelFolder, "model.json"), &info); err != nil {
		return err
	}
	if err := n.detector.LoadModel(modelFolder, &info); err != nil {
		return errors.Wrapf(err, "failed to load model %s", modelID)
	}

	n.mu.Lock()
	n.currentModelID = modelID
	n.mu.Unlock()
	return nil
}

// onDetect answers a detect request with the detections of one image.
func (n *DetectorNode) onDetect(ctx context.Context, args json.RawMessage) types.SocketResponse {
	var request struct {
		Image string `json:"image"` // base64 jpeg
	}
	if err := json.Unmarshal(args, &request); err != nil {
		return types.Fail(errors.Wrap(err, "malformed detect request"))
	}
	image, err := base64.StdEncoding.DecodeString(request.Image)
	if err != nil {
		return types.Fail(errors.Wrap(err, "image is not valid base64"))
	}
	if n.CurrentModelID() == "" {
		return types.Fail(errors.New("no model deployed"))
	}

	detections, err := n.detector.Detect(ctx, image)
	if err != nil {
		n.Errors.Set("detect", err.Error())
		return types.Fail(err)
	}
	n.Errors.Reset("detect")

	payload, err := json.Marshal(detections)
	if err != nil {
		return types.Fail(err)
	}
	return types.SocketResponse{Success: true, Payload: payload}
}
