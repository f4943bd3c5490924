package types

// TrainingDetails is the payload of a begin_training command. ID is the base
// model (uuid or pretrained name); the remaining fields parameterize the run.
type TrainingDetails struct {
	ID             string     `json:"id"`
	TrainingNumber int        `json:"training_number"`
	Categories     []Category `json:"categories"`
	Resolution     int        `json:"resolution"`
	FlipRl         bool       `json:"flip_rl"`
	FlipUd         bool       `json:"flip_ud"`
}

// Hyperparameter extracts the training parameters from the details.
func (d TrainingDetails) Hyperparameter() *Hyperparameter {
	return &Hyperparameter{Resolution: d.Resolution, FlipRl: d.FlipRl, FlipUd: d.FlipUd}
}
