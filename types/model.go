package types

// ConfusionMatrix maps category id to its true-positive/false-positive/
// false-negative counters.
type ConfusionMatrix map[string]CategoryCounts

// CategoryCounts are the per-category quality counters.
type CategoryCounts struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

// BasicModel is a training snapshot harvested from the trainer subprocess via
// the GetNewModel hook. MetaInformation is opaque to the state machine; the
// trainer implementation uses it to find the snapshot's weight files again in
// OnModelPublished.
type BasicModel struct {
	ConfusionMatrix ConfusionMatrix        `json:"confusion_matrix"`
	MetaInformation map[string]interface{} `json:"meta_information,omitempty"`
}

// ModelInformation is persisted alongside every model archive as model.json.
type ModelInformation struct {
	ID         string     `json:"id"`
	Version    string     `json:"version,omitempty"`
	Categories []Category `json:"categories"`
	Resolution int        `json:"resolution,omitempty"`
}

// PretrainedModel is a named starting point provided by the trainer
// implementation (as opposed to a loop-hosted base model addressed by uuid).
type PretrainedModel struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ProvidesPretrainedModel reports whether name is one of the provided
// pretrained starting points.
func ProvidesPretrainedModel(models []PretrainedModel, name string) bool {
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}
