package types

// Category is one annotation class of a project. Identity is carried by ID;
// names are display labels and may be renamed on the loop at any time.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// CategoryByName looks a category up by its display name.
func CategoryByName(categories []Category, name string) (Category, bool) {
	for _, c := range categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// Hyperparameter carries the training parameters the loop hands out with
// begin_training.
type Hyperparameter struct {
	Resolution int  `json:"resolution"`
	FlipRl     bool `json:"flip_rl"`
	FlipUd     bool `json:"flip_ud"`
}

// ImageMetadata is one per-image record of the training set.
type ImageMetadata struct {
	ID         string `json:"id"`
	Set        string `json:"set"` // "train" or "test"
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Annotations int   `json:"annotations,omitempty"`
}

// TrainingData is everything the trainer subprocess needs to know about the
// dataset: categories, hyperparameters and the downloaded image records.
type TrainingData struct {
	Categories        []Category      `json:"categories"`
	Hyperparameter    *Hyperparameter `json:"hyperparameter,omitempty"`
	ImageData         []ImageMetadata `json:"image_data"`
	SkippedImageCount int             `json:"skipped_image_count"`
}

// TrainImageCount returns the number of images tagged for training.
func (d *TrainingData) TrainImageCount() int {
	return d.countSet("train")
}

// TestImageCount returns the number of images tagged for testing.
func (d *TrainingData) TestImageCount() int {
	return d.countSet("test")
}

func (d *TrainingData) countSet(set string) int {
	n := 0
	for _, img := range d.ImageData {
		if img.Set == set {
			n++
		}
	}
	return n
}

// Training is the durable record of one end-to-end training run. It is
// persisted at every state transition and deleted on successful cleanup.
type Training struct {
	ID      string  `json:"id"`
	Context Context `json:"context"`

	// TrainingNumber is assigned by the loop and never rewritten locally.
	TrainingNumber int `json:"training_number"`

	ProjectFolder  string `json:"project_folder"`
	ImagesFolder   string `json:"images_folder"`
	TrainingFolder string `json:"training_folder"`

	// BaseModelID is either a loop-hosted model uuid or the name of a
	// pretrained starting point provided by the trainer implementation.
	BaseModelID string `json:"base_model_id"`

	Data *TrainingData `json:"data,omitempty"`

	TrainingState TrainerState `json:"training_state"`

	// ModelIDForDetecting is set once the final model has been uploaded and
	// addresses the model the detection pass runs with.
	ModelIDForDetecting string `json:"model_id_for_detecting,omitempty"`
}

// Hyperparameters returns the status-report form of the training parameters,
// or nil when no data has been attached yet.
func (t *Training) Hyperparameters() map[string]interface{} {
	if t.Data == nil || t.Data.Hyperparameter == nil {
		return nil
	}
	return map[string]interface{}{
		"resolution": t.Data.Hyperparameter.Resolution,
		"flipRl":     t.Data.Hyperparameter.FlipRl,
		"flipUd":     t.Data.Hyperparameter.FlipUd,
	}
}
