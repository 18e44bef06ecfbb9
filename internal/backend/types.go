// Package backend is the HTTP and websocket client for the render backend:
// job submission, history queries, image upload, system stats and the push
// event feed.
package backend

import "encoding/json"

// QueueRequest is the submission body: the workflow graph plus the caller's
// feed client id so push events can be routed back.
type QueueRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// QueueResponse carries the backend-assigned job identifier.
type QueueResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// UploadResponse names the backend-local file an upload was stored as.
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one job's record in the history endpoint response.
// A populated Outputs section means the job finished.
type HistoryEntry struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  HistoryStatus              `json:"status"`
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// SystemStats is the primary telemetry endpoint's payload.
type SystemStats struct {
	System  SystemInfo   `json:"system"`
	Devices []DeviceInfo `json:"devices"`
}

type SystemInfo struct {
	OS       string `json:"os"`
	RAMTotal int64  `json:"ram_total"`
	RAMFree  int64  `json:"ram_free"`
}

// DeviceInfo reports one device's memory state in bytes.
type DeviceInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// wsMessage is the envelope of every push feed message.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsEventData is the payload shared by execution messages.
type wsEventData struct {
	Node             string `json:"node"`
	PromptID         string `json:"prompt_id"`
	ExceptionMessage string `json:"exception_message"`
}
