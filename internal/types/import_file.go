package types

import "time"

// ImportFile is an accepted source file, stored on local disk.
type ImportFile struct {
	ID        string `json:"id"`
	DatasetID string `json:"datasetId"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	MIMEType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	// Hash is the SHA-256 hex digest of the stored content.
	Hash      string    `json:"hash"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
