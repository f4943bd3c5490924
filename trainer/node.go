package trainer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/node"
	"github.com/zauberzeug/loopnode/types"
)

// checkStateInterval paces the trainer node's health pass and status
// heartbeat.
const checkStateInterval = 5 * time.Second

// TrainerNode routes the loop's command events to the state machine and
// reports the trainer's status.
type TrainerNode struct {
	*node.Node

	Logic   *Logic
	trainer Trainer

	// SkipCheckState suspends the periodic health pass together with its
	// status heartbeat.
	SkipCheckState bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a trainer node for a concrete trainer implementation.
func NewNode(name string, cfg *config.Config, trainer Trainer) (*TrainerNode, error) {
	base, err := node.New(name, cfg)
	if err != nil {
		return nil, err
	}

	n := &TrainerNode{
		Node:    base,
		Logic:   NewLogic(cfg, base.Client, base.Channel, trainer, base.UUID),
		trainer: trainer,
	}
	base.SetStatusSender(n)
	n.Logic.OnStateChange(func() {
		if !n.Logic.TrainingActive() {
			state := n.State()
			if state == types.NodeStateRunning || state == types.NodeStateStopping {
				n.SetState(context.Background(), types.NodeStateIdle)
				return
			}
		}
		go n.sendStatusQuietly()
	})

	base.Channel.OnEvent("begin_training", n.onBeginTraining)
	base.Channel.OnEvent("stop_training", n.onStopTraining)
	base.Channel.OnEvent("save", n.onSave)
	return n, nil
}

// Start connects the node, resumes an incomplete training from disk and
// launches the check-state ticker.
func (n *TrainerNode) Start(ctx context.Context) error {
	n.runCtx, n.cancel = context.WithCancel(ctx)
	n.Node.Start(n.runCtx)

	if resumed, err := n.Logic.TryContinueRunIfIncomplete(n.runCtx); err != nil {
		return err
	} else if resumed {
		n.SetState(n.runCtx, types.NodeStateRunning)
	}

	n.wg.Add(1)
	go n.checkStateLoop(n.runCtx)
	return nil
}

// Stop shuts the node down: training work first, then the connection. The
// persisted training state stays on disk for the next start.
func (n *TrainerNode) Stop() {
	n.Logic.Shutdown()
	if n.cancel != nil {
		n.cancel()
	}
	n.Node.Stop()
	n.wg.Wait()
}

// checkStateLoop runs the periodic health pass and status heartbeat.
func (n *TrainerNode) checkStateLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(checkStateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n.SkipCheckState {
			continue
		}
		n.Logic.CheckState(ctx)
		n.sendStatusQuietly()
	}
}

// onBeginTraining handles the loop's begin_training(org, project, details)
// command. A node runs one training at a time; a second begin is rejected
// until stop_training went through.
func (n *TrainerNode) onBeginTraining(ctx context.Context, args json.RawMessage) types.SocketResponse {
	var org, project string
	var details types.TrainingDetails
	if err := unmarshalArgs(args, &org, &project, &details); err != nil {
		return types.Fail(err)
	}

	if n.Logic.TrainingActive() {
		return types.Fail(errors.New("a training is already active"))
	}

	n.Logic.Errors.Reset(errorKeyStartTraining)
	n.SetState(ctx, types.NodeStatePreparing)
	if err := n.Logic.InitNewTraining(types.Context{Organization: org, Project: project}, details); err != nil {
		n.Logic.Errors.Set(errorKeyStartTraining, "could not start training: "+err.Error())
		n.SetState(ctx, types.NodeStateIdle)
		return types.Fail(err)
	}

	runCtx := n.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	n.Logic.Run(runCtx)
	n.SetState(ctx, types.NodeStateRunning)
	return types.Ok()
}

// onStopTraining handles stop_training. Idempotent: stopping an idle node is
// a no-op.
func (n *TrainerNode) onStopTraining(ctx context.Context, _ json.RawMessage) types.SocketResponse {
	n.SetState(ctx, types.NodeStateStopping)
	go func() {
		n.Logic.Stop()
		if !n.Logic.TrainingActive() {
			n.SetState(context.Background(), types.NodeStateIdle)
		}
	}()
	return types.Ok()
}

// onSave handles save(org, project, {id}): upload the latest model files for
// the requested model id, which is not necessarily the active training's.
func (n *TrainerNode) onSave(ctx context.Context, args json.RawMessage) types.SocketResponse {
	var org, project string
	var model struct {
		ID string `json:"id"`
	}
	if err := unmarshalArgs(args, &org, &project, &model); err != nil {
		return types.Fail(err)
	}
	if model.ID == "" {
		return types.Fail(errors.New("save requires a model id"))
	}

	n.Logic.Errors.Reset(errorKeySaveModel)
	if err := n.Logic.SaveModel(ctx, types.Context{Organization: org, Project: project}, model.ID); err != nil {
		n.Logic.Errors.Set(errorKeySaveModel, "could not save model: "+err.Error())
		return types.Fail(err)
	}
	return types.Ok()
}

// SendStatus pushes the trainer's heartbeat. When the loop rejects the
// status of a non-idle node the training is torn down without saving —
// the loop no longer wants this node's work.
func (n *TrainerNode) SendStatus(ctx context.Context) error {
	state := n.State()
	if state == types.NodeStateOffline || !n.Channel.Connected() {
		return nil
	}

	uptime := n.Uptime()
	status := types.TrainingStatus{
		ID:               n.UUID,
		Name:             n.Name,
		State:            state,
		Uptime:           &uptime,
		Errors:           n.Logic.Errors.Snapshot(),
		Progress:         n.Logic.GeneralProgress(),
		Architecture:     n.trainer.ModelArchitecture(),
		PretrainedModels: n.trainer.ProvidedPretrainedModels(),
		Hyperparameters:  n.Logic.Hyperparameters(),
	}
	if train, test, skipped, ok := n.Logic.ImageCounts(); ok {
		status.TrainImageCount = &train
		status.TestImageCount = &test
		status.SkippedImageCount = &skipped
	}

	resp, err := n.Channel.Call(ctx, "update_trainer", status)
	if err != nil {
		return err
	}
	if !resp.Success {
		n.Logic.log.Errorw("loop rejected trainer status", "response_error", resp.Error, "state", state)
		if state != types.NodeStateIdle {
			go func() {
				n.Logic.Abort()
				n.SetState(context.Background(), types.NodeStateIdle)
			}()
		}
		return errors.Newf("loop rejected trainer status: %s", resp.Error)
	}
	return nil
}

func (n *TrainerNode) sendStatusQuietly() {
	if err := n.SendStatus(context.Background()); err != nil {
		n.Logic.log.Debugw("status not delivered", "error", err)
	}
}

// unmarshalArgs decodes a positional argument array into the given targets.
func unmarshalArgs(args json.RawMessage, targets ...interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(args, &raw); err != nil {
		return errors.Wrap(err, "malformed event arguments")
	}
	if len(raw) < len(targets) {
		return errors.Newf("expected %d event arguments, got %d", len(targets), len(raw))
	}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return errors.Wrapf(err, "malformed event argument %d", i)
		}
	}
	return nil
}
