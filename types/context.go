// Package types holds the data model shared between the worker nodes and the
// Learning Loop: training lifecycle records, detections, model metadata and
// the status payloads exchanged over the event channel.
package types

import "path/filepath"

// Context addresses one project of one organization on the Learning Loop.
// Every loop path is constructed from it.
type Context struct {
	Organization string `json:"organization"`
	Project      string `json:"project"`
}

// ProjectFolder returns the project directory below the data folder.
func (c Context) ProjectFolder(dataFolder string) string {
	return filepath.Join(dataFolder, c.Organization, c.Project)
}
