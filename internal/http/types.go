package http

// StatusResponse is the response body for GET /.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// UploadResponse is the response body for POST /upload/pdf.
type UploadResponse struct {
	Message  string `json:"message"`
	BatchID  string `json:"batchId"`
	FileName string `json:"fileName"`
}

// ChatResponse is the response body for GET /chat.
type ChatResponse struct {
	Response      string          `json:"response"`
	RetrievedInfo []RetrievedInfo `json:"retrievedInfo"`
	// Degraded marks answers built from the unfiltered fallback search.
	Degraded bool `json:"degraded"`
}

// RetrievedInfo is one source snippet of a chat answer.
type RetrievedInfo struct {
	Text           string `json:"text"`
	SourceFileName string `json:"sourceFileName"`
	PageNumber     int    `json:"pageNumber,omitempty"`
}
