package detector_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/detector"
	"github.com/zauberzeug/loopnode/detector/mockdetector"
	"github.com/zauberzeug/loopnode/internal/testloop"
	"github.com/zauberzeug/loopnode/types"
)

func newDetectorFixture(t *testing.T) (*detector.DetectorNode, *testloop.Stub, *mockdetector.MockDetector) {
	stub := testloop.New(t)
	stub.SetModelInformation([]types.Category{{ID: "c1", Name: "A"}}, 800)
	cfg := &config.Config{
		Host:         stub.URL(),
		Organization: "zauberzeug",
		Project:      "demo",
		DataFolder:   t.TempDir(),
	}
	mock := mockdetector.New()
	n, err := detector.NewNode("test detector", cfg, mock)
	require.NoError(t, err)

	n.Start(context.Background())
	t.Cleanup(n.Stop)
	require.Eventually(t, n.Channel.Connected, 10*time.Second, 10*time.Millisecond)
	return n, stub, mock
}

func TestDetectWithoutModelFails(t *testing.T) {
	_, stub, _ := newDetectorFixture(t)

	image := base64.StdEncoding.EncodeToString([]byte("jpeg"))
	resp := stub.CallNode("detect", map[string]string{"image": image})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "no model deployed")
}

func TestStatusDrivenDeploymentAndDetect(t *testing.T) {
	n, stub, mock := newDetectorFixture(t)

	// The loop assigns a target model with the status reply.
	modelID := types.NewUUID4()
	stub.DetectorTargetModelID = modelID
	require.NoError(t, n.SendStatus(context.Background()))

	assert.Equal(t, modelID, n.CurrentModelID())
	require.NotNil(t, mock.LoadedModel())
	assert.Equal(t, modelID, mock.LoadedModel().ID)

	image := base64.StdEncoding.EncodeToString([]byte("jpeg"))
	resp := stub.CallNode("detect", map[string]string{"image": image})
	require.True(t, resp.Success, resp.Error)

	var detections types.Detections
	require.NoError(t, json.Unmarshal(resp.Payload, &detections))
	require.Len(t, detections.BoxDetections, 1)
	assert.Equal(t, "c1", detections.BoxDetections[0].CategoryID)
}
