package types

// Point is one 2D coordinate of a segmentation shape.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape is the outline of a segmentation detection.
type Shape struct {
	Points []Point `json:"points"`
}

// BoxDetection is an axis-aligned bounding-box detection. Detections are
// emitted by the trainer with the category name; the id is reconciled against
// the model's category list before dispatch.
type BoxDetection struct {
	CategoryName string  `json:"category_name"`
	CategoryID   string  `json:"category_id,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	ModelName    string  `json:"model_name,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// PointDetection is a single-coordinate detection.
type PointDetection struct {
	CategoryName string  `json:"category_name"`
	CategoryID   string  `json:"category_id,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	ModelName    string  `json:"model_name,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// SegmentationDetection is a polygon detection.
type SegmentationDetection struct {
	CategoryName string  `json:"category_name"`
	CategoryID   string  `json:"category_id,omitempty"`
	Shape        Shape   `json:"shape"`
	ModelName    string  `json:"model_name,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// Detections holds all detections of one image.
type Detections struct {
	ImageID                string                  `json:"image_id,omitempty"`
	BoxDetections          []BoxDetection          `json:"box_detections"`
	PointDetections        []PointDetection        `json:"point_detections"`
	SegmentationDetections []SegmentationDetection `json:"segmentation_detections"`
}

// ReconcileCategoryIDs fills every detection's category id by looking its
// category name up in the given list. Detections whose name is unknown keep
// an empty id; the loop rejects those explicitly rather than silently
// mapping them by position.
func (d *Detections) ReconcileCategoryIDs(categories []Category) {
	for i := range d.BoxDetections {
		if c, ok := CategoryByName(categories, d.BoxDetections[i].CategoryName); ok {
			d.BoxDetections[i].CategoryID = c.ID
		}
	}
	for i := range d.PointDetections {
		if c, ok := CategoryByName(categories, d.PointDetections[i].CategoryName); ok {
			d.PointDetections[i].CategoryID = c.ID
		}
	}
	for i := range d.SegmentationDetections {
		if c, ok := CategoryByName(categories, d.SegmentationDetections[i].CategoryName); ok {
			d.SegmentationDetections[i].CategoryID = c.ID
		}
	}
}
